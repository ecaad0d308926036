package tlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/calderadb/caldera/compressors"
	"github.com/calderadb/caldera/core"
)

// SyncMode defines how frequently appended data is fsynced.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every append
	SyncInterval SyncMode = "interval" // fsync on explicit Flush only
	SyncDisabled SyncMode = "disabled" // never fsync (testing/benchmarks)
)

const (
	segmentFileSuffix = ".chunk"
	segmentHeaderSize = 8
)

var segmentMagic = [8]byte{'C', 'L', 'D', 'R', 'L', 'O', 'G', '1'}

// Options holds configuration for a SegmentedLog.
type Options struct {
	Dir            string
	MaxSegmentSize int64
	SyncMode       SyncMode
	Compression    core.CompressionType
	Logger         *slog.Logger
}

// segment is one immutable-once-rotated chunk file. base is the logical
// position of its first frame; size is the logical byte length of its frames.
type segment struct {
	base int64
	path string
	size int64
}

// SegmentedLog is the standard Log implementation: numbered segment files,
// single appender, lock-free readers over their own file handles.
type SegmentedLog struct {
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex // guards segments table and tail/checkpoint
	segments   []*segment
	active     *os.File
	tail       int64
	checkpoint int64
	closed     bool

	compressor core.Compressor
}

// Open creates or opens a log directory, validating existing segments and
// truncating a torn tail frame if one is found.
func Open(opts Options) (*SegmentedLog, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Logger = opts.Logger.With("component", "TransactionLog")
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = 256 * 1024 * 1024
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", opts.Dir, err)
	}

	compressor, err := compressors.Get(opts.Compression)
	if err != nil {
		return nil, err
	}

	l := &SegmentedLog{opts: opts, logger: opts.Logger, compressor: compressor}
	if err := l.loadSegments(); err != nil {
		return nil, err
	}
	if err := l.openActive(); err != nil {
		return nil, err
	}
	l.checkpoint = l.tail
	return l, nil
}

func formatSegmentFileName(base int64) string {
	return fmt.Sprintf("%016d%s", base, segmentFileSuffix)
}

func parseSegmentFileName(name string) (int64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a log segment", name)
	}
	return strconv.ParseInt(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
}

// loadSegments discovers existing segment files and validates their frames,
// truncating the last segment at the first corrupt frame.
func (l *SegmentedLog) loadSegments() error {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	var segs []*segment
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentFileSuffix) {
			continue
		}
		base, err := parseSegmentFileName(entry.Name())
		if err != nil {
			l.logger.Warn("Skipping unrecognized file in log directory", "file", entry.Name(), "error", err)
			continue
		}
		segs = append(segs, &segment{base: base, path: filepath.Join(l.opts.Dir, entry.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].base < segs[j].base })

	for i, seg := range segs {
		size, err := l.validateSegment(seg, i == len(segs)-1)
		if err != nil {
			return err
		}
		seg.size = size
		if seg.base != l.tail {
			return core.NewCorruptionError("log open", "segment %s starts at %d, expected %d", seg.path, seg.base, l.tail)
		}
		l.tail = seg.base + seg.size
	}
	l.segments = segs
	return nil
}

// validateSegment walks a segment's frames. For the last segment a torn tail
// is truncated away; anywhere else it is corruption.
func (l *SegmentedLog) validateSegment(seg *segment, isLast bool) (int64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s: %w", seg.path, err)
	}
	defer f.Close()

	var header [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, fmt.Errorf("segment %s is truncated at header: %w", seg.path, err)
	}
	if header != segmentMagic {
		return 0, fmt.Errorf("invalid magic in segment %s", seg.path)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	fileSize := info.Size()

	var offset int64 = segmentHeaderSize
	for offset < fileSize {
		var lenBuf [4]byte
		if _, err := f.ReadAt(lenBuf[:], offset); err != nil {
			break
		}
		bodyLen := int64(byteOrder.Uint32(lenBuf[:]))
		if bodyLen > maxBodyLen || offset+frameOverhead+bodyLen > fileSize {
			break
		}
		frame := make([]byte, frameOverhead+bodyLen)
		if _, err := f.ReadAt(frame, offset); err != nil {
			break
		}
		if _, err := verifyFrame(frame); err != nil {
			break
		}
		offset += frameOverhead + bodyLen
	}

	if offset < fileSize {
		if !isLast {
			return 0, core.NewCorruptionError("log open", "corrupt frame at offset %d of non-tail segment %s", offset, seg.path)
		}
		l.logger.Warn("Truncating torn tail frame", "segment", seg.path, "valid_bytes", offset, "file_bytes", fileSize)
		if err := os.Truncate(seg.path, offset); err != nil {
			return 0, fmt.Errorf("failed to truncate torn segment %s: %w", seg.path, err)
		}
	}
	return offset - segmentHeaderSize, nil
}

// openActive opens the tail segment for appending, creating the first one on
// a fresh directory.
func (l *SegmentedLog) openActive() error {
	if len(l.segments) == 0 {
		return l.rotateLocked()
	}
	last := l.segments[len(l.segments)-1]
	f, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open active segment %s: %w", last.path, err)
	}
	l.active = f
	return nil
}

// rotateLocked closes the active segment and starts a new one at the tail.
func (l *SegmentedLog) rotateLocked() error {
	if l.active != nil {
		if err := l.active.Sync(); err != nil && l.opts.SyncMode != SyncDisabled {
			return fmt.Errorf("failed to sync segment before rotation: %w", err)
		}
		if err := l.active.Close(); err != nil {
			return fmt.Errorf("failed to close segment before rotation: %w", err)
		}
	}
	seg := &segment{base: l.tail, path: filepath.Join(l.opts.Dir, formatSegmentFileName(l.tail))}
	f, err := os.OpenFile(seg.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create segment %s: %w", seg.path, err)
	}
	if _, err := f.Write(segmentMagic[:]); err != nil {
		f.Close()
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	l.active = f
	l.segments = append(l.segments, seg)
	l.logger.Debug("Opened new log segment", "path", seg.path, "base", seg.base)
	return nil
}

// Append writes rec at the tail. Writes go straight to the file so readers
// observe them immediately; durability follows the sync mode.
func (l *SegmentedLog) Append(rec *core.LogRecord) (int64, error) {
	body, err := encodeRecord(rec, l.compressor)
	if err != nil {
		return 0, err
	}
	frame := buildFrame(body)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, core.ErrLogClosed
	}

	pos := l.tail
	if _, err := l.active.Write(frame); err != nil {
		return 0, fmt.Errorf("failed to append record at %d: %w", pos, err)
	}
	l.tail += int64(len(frame))
	last := l.segments[len(l.segments)-1]
	last.size += int64(len(frame))

	if l.opts.SyncMode == SyncAlways {
		if err := l.active.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync log: %w", err)
		}
		l.checkpoint = l.tail
	}

	if last.size >= l.opts.MaxSegmentSize {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

// Flush fsyncs the active segment and advances the checkpoint.
func (l *SegmentedLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrLogClosed
	}
	if l.opts.SyncMode != SyncDisabled {
		if err := l.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync log: %w", err)
		}
	}
	l.checkpoint = l.tail
	return nil
}

// Checkpoint returns the durable position.
func (l *SegmentedLog) Checkpoint() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkpoint
}

// TailPosition returns the position the next append will receive.
func (l *SegmentedLog) TailPosition() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// segmentFor locates the segment containing pos.
func (l *SegmentedLog) segmentFor(pos int64) (*segment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos < 0 || pos >= l.tail {
		return nil, false
	}
	idx := sort.Search(len(l.segments), func(i int) bool { return l.segments[i].base > pos }) - 1
	if idx < 0 {
		return nil, false
	}
	return l.segments[idx], true
}

// NewReader opens an independent sequential reader positioned at 0.
func (l *SegmentedLog) NewReader() (SequentialReader, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, core.ErrLogClosed
	}
	return &logReader{log: l}, nil
}

// Close syncs and closes the active segment. Outstanding readers keep their
// own handles and fail on next use of a rotated-away file only if it was
// removed; Close does not remove files.
func (l *SegmentedLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.opts.SyncMode != SyncDisabled {
		if err := l.active.Sync(); err != nil {
			return fmt.Errorf("failed to sync log on close: %w", err)
		}
	}
	l.checkpoint = l.tail
	return l.active.Close()
}
