// Package compressors provides the payload compressors the log uses for
// record bodies. All implementations are safe for concurrent use.
package compressors

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/calderadb/caldera/core"
)

// NoneCompressor passes data through unchanged.
type NoneCompressor struct{}

func NewNoneCompressor() *NoneCompressor { return &NoneCompressor{} }

func (*NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (*NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (*NoneCompressor) Type() core.CompressionType             { return core.CompressionNone }

// SnappyCompressor wraps github.com/golang/snappy block encoding.
type SnappyCompressor struct{}

func NewSnappyCompressor() *SnappyCompressor { return &SnappyCompressor{} }

func (*SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (*SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func (*SnappyCompressor) Type() core.CompressionType { return core.CompressionSnappy }

// LZ4Compressor wraps github.com/pierrec/lz4 block encoding with a 4-byte
// little-endian length prefix so Decompress can size the output buffer.
type LZ4Compressor struct{}

func NewLZ4Compressor() *LZ4Compressor { return &LZ4Compressor{} }

func (*LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	dst[0] = byte(len(data))
	dst[1] = byte(len(data) >> 8)
	dst[2] = byte(len(data) >> 16)
	dst[3] = byte(len(data) >> 24)
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst[4:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input: CompressBlock signals this with n == 0; store
		// the raw bytes after the prefix.
		dst = append(dst[:4], data...)
		return dst, nil
	}
	return dst[:4+n], nil
}

func (*LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decompress: truncated block (%d bytes)", len(data))
	}
	size := int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
	if size == len(data)-4 {
		// Stored raw (incompressible at write time).
		return data[4:], nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out[:n], nil
}

func (*LZ4Compressor) Type() core.CompressionType { return core.CompressionLZ4 }

// ZstdCompressor wraps klauspost/compress zstd with pooled encoder/decoder
// state, matching zstd's recommendation to reuse them.
type ZstdCompressor struct {
	encOnce sync.Once
	decOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func NewZstdCompressor() *ZstdCompressor { return &ZstdCompressor{} }

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	var err error
	c.encOnce.Do(func() { c.enc, err = zstd.NewWriter(nil) })
	if err != nil {
		return nil, fmt.Errorf("zstd encoder init: %w", err)
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	var err error
	c.decOnce.Do(func() { c.dec, err = zstd.NewReader(nil) })
	if err != nil {
		return nil, fmt.Errorf("zstd decoder init: %w", err)
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType { return core.CompressionZSTD }

// Get returns the compressor for the given type.
func Get(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoneCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLZ4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", ct)
	}
}

// ParseName maps a config string ("none", "snappy", "lz4", "zstd") to a type.
func ParseName(name string) (core.CompressionType, error) {
	switch name {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}
