package tlog

import (
	"fmt"
	"io"
	"os"

	"github.com/calderadb/caldera/core"
)

// logReader is a sequential cursor over a SegmentedLog. It caches one open
// segment file handle and repositions lazily.
type logReader struct {
	log *SegmentedLog
	pos int64

	file     *os.File
	fileBase int64
}

var _ SequentialReader = (*logReader)(nil)

func (r *logReader) Reposition(pos int64) { r.pos = pos }

func (r *logReader) Position() int64 { return r.pos }

// ensureFile opens (or reuses) the file handle for the segment holding pos.
func (r *logReader) ensureFile(seg *segment) error {
	if r.file != nil && r.fileBase == seg.base {
		return nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", seg.path, err)
	}
	r.file = f
	r.fileBase = seg.base
	return nil
}

// readFrameAt reads and verifies the frame starting at logical position pos.
// Returns the decoded record and the total frame length.
func (r *logReader) readFrameAt(pos int64) (*core.LogRecord, int64, error) {
	seg, ok := r.log.segmentFor(pos)
	if !ok {
		return nil, 0, nil
	}
	if err := r.ensureFile(seg); err != nil {
		return nil, 0, err
	}
	fileOff := pos - seg.base + segmentHeaderSize

	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], fileOff); err != nil {
		if err == io.EOF {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read frame header at %d: %w", pos, err)
	}
	bodyLen := int64(byteOrder.Uint32(lenBuf[:]))
	if bodyLen > maxBodyLen {
		return nil, 0, core.NewCorruptionError("log read", "implausible frame length %d at position %d", bodyLen, pos)
	}
	frame := make([]byte, frameOverhead+bodyLen)
	if _, err := r.file.ReadAt(frame, fileOff); err != nil {
		return nil, 0, fmt.Errorf("failed to read frame at %d: %w", pos, err)
	}
	body, err := verifyFrame(frame)
	if err != nil {
		return nil, 0, core.NewCorruptionError("log read", "bad frame at position %d: %v", pos, err)
	}
	rec, err := decodeRecord(body, pos)
	if err != nil {
		return nil, 0, err
	}
	return rec, frameOverhead + bodyLen, nil
}

// TryReadNext reads the record at the cursor and advances past it.
func (r *logReader) TryReadNext() (*core.LogRecord, bool, error) {
	rec, frameLen, err := r.readFrameAt(r.pos)
	if err != nil || rec == nil {
		return nil, false, err
	}
	r.pos += frameLen
	return rec, true, nil
}

// TryReadPrev steps the cursor back one record and reads it. The trailing
// length copy of the preceding frame tells us how far back to go.
func (r *logReader) TryReadPrev() (*core.LogRecord, bool, error) {
	if r.pos <= 0 {
		return nil, false, nil
	}
	// The 4 bytes before the cursor are the previous frame's trailing length.
	seg, ok := r.log.segmentFor(r.pos - 4)
	if !ok {
		return nil, false, nil
	}
	if err := r.ensureFile(seg); err != nil {
		return nil, false, err
	}
	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], r.pos-4-seg.base+segmentHeaderSize); err != nil {
		return nil, false, fmt.Errorf("failed to read trailing frame length before %d: %w", r.pos, err)
	}
	bodyLen := int64(byteOrder.Uint32(lenBuf[:]))
	prevStart := r.pos - frameOverhead - bodyLen
	if bodyLen > maxBodyLen || prevStart < 0 {
		return nil, false, core.NewCorruptionError("log read", "implausible trailing frame length %d before position %d", bodyLen, r.pos)
	}
	rec, _, err := r.readFrameAt(prevStart)
	if err != nil || rec == nil {
		return nil, false, err
	}
	r.pos = prevStart
	return rec, true, nil
}

// TryReadAt reads the record at the exact given position without moving the
// cursor.
func (r *logReader) TryReadAt(pos int64) (*core.LogRecord, bool, error) {
	rec, _, err := r.readFrameAt(pos)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Close releases the cached file handle.
func (r *logReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
