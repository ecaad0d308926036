package tlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/core"
)

func newTestLog(t *testing.T, opts Options) *SegmentedLog {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncDisabled
	}
	l, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(stream string, kind core.LogRecordKind) *core.LogRecord {
	return &core.LogRecord{
		Kind:      kind,
		StreamID:  core.StreamID(stream),
		EventID:   uuid.New(),
		EventType: "TestEvent",
		Flags:     core.PrepareFlagData | core.PrepareFlagIsCommitted,
		Data:      []byte(`{"amount":42}`),
		Metadata:  []byte(`{}`),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestSegmentedLog_AppendReadRoundtrip(t *testing.T) {
	l := newTestLog(t, Options{Compression: core.CompressionSnappy})

	recs := make([]*core.LogRecord, 5)
	positions := make([]int64, 5)
	for i := range recs {
		recs[i] = testRecord("orders-1", core.LogRecordPrepare)
		recs[i].ExpectedVersion = int64(i - 1)
		pos, err := l.Append(recs[i])
		require.NoError(t, err)
		positions[i] = pos
	}

	r, err := l.NewReader()
	require.NoError(t, err)
	defer r.Close()

	for i := range recs {
		got, ok, err := r.TryReadNext()
		require.NoError(t, err)
		require.True(t, ok, "record %d", i)
		assert.Equal(t, positions[i], got.Position)
		assert.Equal(t, recs[i].StreamID, got.StreamID)
		assert.Equal(t, recs[i].EventID, got.EventID)
		assert.Equal(t, recs[i].ExpectedVersion, got.ExpectedVersion)
		assert.Equal(t, recs[i].Data, got.Data)
		assert.Equal(t, recs[i].Timestamp.UnixNano(), got.Timestamp.UnixNano())
	}

	_, ok, err := r.TryReadNext()
	require.NoError(t, err)
	assert.False(t, ok, "read past tail must report end of log")
}

func TestSegmentedLog_BackwardRead(t *testing.T) {
	l := newTestLog(t, Options{})

	var positions []int64
	for i := 0; i < 4; i++ {
		pos, err := l.Append(testRecord("s", core.LogRecordPrepare))
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	r, err := l.NewReader()
	require.NoError(t, err)
	defer r.Close()

	r.Reposition(l.TailPosition())
	for i := len(positions) - 1; i >= 0; i-- {
		rec, ok, err := r.TryReadPrev()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, positions[i], rec.Position)
	}
	_, ok, err := r.TryReadPrev()
	require.NoError(t, err)
	assert.False(t, ok, "read before position 0 must report start of log")
}

func TestSegmentedLog_TryReadAt(t *testing.T) {
	l := newTestLog(t, Options{})
	rec1 := testRecord("a", core.LogRecordPrepare)
	rec2 := testRecord("b", core.LogRecordCommit)
	pos1, err := l.Append(rec1)
	require.NoError(t, err)
	pos2, err := l.Append(rec2)
	require.NoError(t, err)

	r, err := l.NewReader()
	require.NoError(t, err)
	defer r.Close()

	got, ok, err := r.TryReadAt(pos2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.StreamID("b"), got.StreamID)
	assert.Equal(t, core.LogRecordCommit, got.Kind)

	got, ok, err = r.TryReadAt(pos1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.StreamID("a"), got.StreamID)

	assert.EqualValues(t, 0, r.Position(), "TryReadAt must not move the cursor")
}

func TestSegmentedLog_RotationAndReopen(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, Options{Dir: dir, MaxSegmentSize: 256})

	var positions []int64
	for i := 0; i < 20; i++ {
		pos, err := l.Append(testRecord("s", core.LogRecordPrepare))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	tail := l.TailPosition()
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*"+segmentFileSuffix))
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "small segment size must force rotation")

	l2 := newTestLog(t, Options{Dir: dir, MaxSegmentSize: 256})
	assert.Equal(t, tail, l2.TailPosition(), "reopen must recover the tail")

	r, err := l2.NewReader()
	require.NoError(t, err)
	defer r.Close()
	for i := range positions {
		rec, ok, err := r.TryReadNext()
		require.NoError(t, err)
		require.True(t, ok, "record %d after reopen", i)
		assert.Equal(t, positions[i], rec.Position)
	}
}

func TestSegmentedLog_TornTailTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	l := newTestLog(t, Options{Dir: dir})
	goodPos, err := l.Append(testRecord("s", core.LogRecordPrepare))
	require.NoError(t, err)
	goodTail := l.TailPosition()
	_, err = l.Append(testRecord("s", core.LogRecordPrepare))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Tear the last frame: chop a few bytes off the file.
	files, err := filepath.Glob(filepath.Join(dir, "*"+segmentFileSuffix))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-3))

	l2 := newTestLog(t, Options{Dir: dir})
	assert.Equal(t, goodTail, l2.TailPosition(), "torn frame must be truncated away")

	r, err := l2.NewReader()
	require.NoError(t, err)
	defer r.Close()
	rec, ok, err := r.TryReadNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, goodPos, rec.Position)
	_, ok, _ = r.TryReadNext()
	assert.False(t, ok)
}

func TestSegmentedLog_CheckpointFollowsSyncMode(t *testing.T) {
	l := newTestLog(t, Options{SyncMode: SyncInterval})
	_, err := l.Append(testRecord("s", core.LogRecordPrepare))
	require.NoError(t, err)
	assert.EqualValues(t, 0, l.Checkpoint(), "interval mode only checkpoints on Flush")
	require.NoError(t, l.Flush())
	assert.Equal(t, l.TailPosition(), l.Checkpoint())

	always := newTestLog(t, Options{SyncMode: SyncAlways})
	_, err = always.Append(testRecord("s", core.LogRecordPrepare))
	require.NoError(t, err)
	assert.Equal(t, always.TailPosition(), always.Checkpoint())
}
