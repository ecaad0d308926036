package tlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/calderadb/caldera/compressors"
	"github.com/calderadb/caldera/core"
)

// Frame layout:
//
//	[u32 bodyLen][body][u32 crc32c(body)][u32 bodyLen]
//
// The trailing length copy makes backward reads possible: a reader positioned
// at a frame boundary reads the u32 just before it to find the previous
// frame's start.
const frameOverhead = 12

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var byteOrder = binary.LittleEndian

const maxBodyLen = 64 * 1024 * 1024

// encodeRecord serializes rec into a frame body. The payload block
// (data+metadata) is compressed with the given compressor.
func encodeRecord(rec *core.LogRecord, compressor core.Compressor) ([]byte, error) {
	var payload bytes.Buffer
	var lenBuf [4]byte
	byteOrder.PutUint32(lenBuf[:], uint32(len(rec.Data)))
	payload.Write(lenBuf[:])
	payload.Write(rec.Data)
	byteOrder.PutUint32(lenBuf[:], uint32(len(rec.Metadata)))
	payload.Write(lenBuf[:])
	payload.Write(rec.Metadata)

	compressed, err := compressor.Compress(payload.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to compress record payload: %w", err)
	}

	var body bytes.Buffer
	body.WriteByte(byte(rec.Kind))
	body.WriteByte(byte(compressor.Type()))
	var u16 [2]byte
	byteOrder.PutUint16(u16[:], uint16(rec.Flags))
	body.Write(u16[:])

	var u64 [8]byte
	byteOrder.PutUint64(u64[:], uint64(rec.Timestamp.UnixNano()))
	body.Write(u64[:])

	stream := []byte(rec.StreamID)
	if len(stream) > 0xFFFF {
		return nil, fmt.Errorf("stream name too long: %d bytes", len(stream))
	}
	byteOrder.PutUint16(u16[:], uint16(len(stream)))
	body.Write(u16[:])
	body.Write(stream)

	body.Write(rec.EventID[:])
	body.Write(rec.CorrelationID[:])

	for _, v := range []int64{rec.ExpectedVersion, rec.TransactionPos, rec.TransactionOff, rec.FirstEventNumber} {
		byteOrder.PutUint64(u64[:], uint64(v))
		body.Write(u64[:])
	}

	eventType := []byte(rec.EventType)
	if len(eventType) > 0xFFFF {
		return nil, fmt.Errorf("event type too long: %d bytes", len(eventType))
	}
	byteOrder.PutUint16(u16[:], uint16(len(eventType)))
	body.Write(u16[:])
	body.Write(eventType)

	body.Write(compressed)
	return body.Bytes(), nil
}

// decodeRecord parses a frame body back into a record. pos is the frame's
// logical position and is stamped onto the result.
func decodeRecord(body []byte, pos int64) (*core.LogRecord, error) {
	r := bytes.NewReader(body)
	rec := &core.LogRecord{Position: pos}

	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("record at %d: truncated kind: %w", pos, err)
	}
	rec.Kind = core.LogRecordKind(kind)

	compByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("record at %d: truncated compression type: %w", pos, err)
	}

	var u16 [2]byte
	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated flags: %w", pos, err)
	}
	rec.Flags = core.PrepareFlags(byteOrder.Uint16(u16[:]))

	var u64 [8]byte
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated timestamp: %w", pos, err)
	}
	rec.Timestamp = time.Unix(0, int64(byteOrder.Uint64(u64[:]))).UTC()

	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated stream length: %w", pos, err)
	}
	stream := make([]byte, byteOrder.Uint16(u16[:]))
	if _, err := io.ReadFull(r, stream); err != nil {
		return nil, fmt.Errorf("record at %d: truncated stream name: %w", pos, err)
	}
	rec.StreamID = core.StreamID(stream)

	if _, err := io.ReadFull(r, rec.EventID[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated event id: %w", pos, err)
	}
	if _, err := io.ReadFull(r, rec.CorrelationID[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated correlation id: %w", pos, err)
	}

	for _, dst := range []*int64{&rec.ExpectedVersion, &rec.TransactionPos, &rec.TransactionOff, &rec.FirstEventNumber} {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("record at %d: truncated numeric field: %w", pos, err)
		}
		*dst = int64(byteOrder.Uint64(u64[:]))
	}

	if _, err := io.ReadFull(r, u16[:]); err != nil {
		return nil, fmt.Errorf("record at %d: truncated event type length: %w", pos, err)
	}
	eventType := make([]byte, byteOrder.Uint16(u16[:]))
	if _, err := io.ReadFull(r, eventType); err != nil {
		return nil, fmt.Errorf("record at %d: truncated event type: %w", pos, err)
	}
	rec.EventType = string(eventType)

	compressed := body[len(body)-r.Len():]
	compressor, err := compressorFor(core.CompressionType(compByte))
	if err != nil {
		return nil, fmt.Errorf("record at %d: %w", pos, err)
	}
	payload, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("record at %d: failed to decompress payload: %w", pos, err)
	}

	if len(payload) < 4 {
		return nil, fmt.Errorf("record at %d: truncated payload block", pos)
	}
	dataLen := byteOrder.Uint32(payload[:4])
	if int(dataLen) > len(payload)-8 {
		return nil, fmt.Errorf("record at %d: payload data length %d out of bounds", pos, dataLen)
	}
	rec.Data = payload[4 : 4+dataLen]
	metaOff := 4 + dataLen
	metaLen := byteOrder.Uint32(payload[metaOff : metaOff+4])
	if int(metaLen) > len(payload)-int(metaOff)-4 {
		return nil, fmt.Errorf("record at %d: payload metadata length %d out of bounds", pos, metaLen)
	}
	rec.Metadata = payload[metaOff+4 : metaOff+4+metaLen]
	return rec, nil
}

// buildFrame wraps body into a full on-disk frame.
func buildFrame(body []byte) []byte {
	frame := make([]byte, frameOverhead+len(body))
	byteOrder.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	byteOrder.PutUint32(frame[4+len(body):], crc32.Checksum(body, castagnoli))
	byteOrder.PutUint32(frame[8+len(body):], uint32(len(body)))
	return frame
}

// verifyFrame checks the CRC and trailing length of a frame read from disk.
// frame must be the complete frame including overhead.
func verifyFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameOverhead {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	bodyLen := byteOrder.Uint32(frame[:4])
	if int(bodyLen) != len(frame)-frameOverhead {
		return nil, fmt.Errorf("frame length mismatch: header %d, actual %d", bodyLen, len(frame)-frameOverhead)
	}
	body := frame[4 : 4+bodyLen]
	wantCRC := byteOrder.Uint32(frame[4+bodyLen:])
	if got := crc32.Checksum(body, castagnoli); got != wantCRC {
		return nil, fmt.Errorf("frame checksum mismatch: got %08x, want %08x", got, wantCRC)
	}
	if tail := byteOrder.Uint32(frame[8+bodyLen:]); tail != bodyLen {
		return nil, fmt.Errorf("frame trailing length mismatch: %d != %d", tail, bodyLen)
	}
	return body, nil
}

// decode-side compressor instances are shared; zstd in particular keeps
// reusable decoder state.
var decodeCompressors = map[core.CompressionType]core.Compressor{
	core.CompressionNone:   compressors.NewNoneCompressor(),
	core.CompressionSnappy: compressors.NewSnappyCompressor(),
	core.CompressionLZ4:    compressors.NewLZ4Compressor(),
	core.CompressionZSTD:   compressors.NewZstdCompressor(),
}

func compressorFor(ct core.CompressionType) (core.Compressor, error) {
	c, ok := decodeCompressors[ct]
	if !ok {
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
	return c, nil
}
