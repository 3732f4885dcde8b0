// Package compression provides the frame payload compressor used by the
// WebSocket transport. Both ends of a connection agree on zstd; there is no
// stored-artifact format to detect, so the package carries exactly one
// algorithm.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Level represents the compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression ratio
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// Compressor compresses and decompresses frame payloads.
type Compressor interface {
	// Compress compresses the input data
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses the input data
	Decompress(data []byte) ([]byte, error)
	// Name returns the human-readable name of the compressor
	Name() string
}

// ZstdCompressor implements Compressor using zstd.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor creates a new zstd compressor.
// The compressor is reusable and thread-safe for encoding.
func NewZstdCompressor(level Level) (*ZstdCompressor, error) {
	zstdLevel := zstd.SpeedDefault
	switch level {
	case LevelFastest:
		zstdLevel = zstd.SpeedFastest
	case LevelBest:
		zstdLevel = zstd.SpeedBestCompression
	default:
		zstdLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &ZstdCompressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Compress compresses data using zstd.
func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress decompresses zstd data.
func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}

// Name returns "zstd".
func (c *ZstdCompressor) Name() string {
	return "zstd"
}

// Close releases resources used by the compressor.
func (c *ZstdCompressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// Default returns a compressor with balanced speed and ratio.
func Default() Compressor {
	c, err := NewZstdCompressor(LevelDefault)
	if err != nil {
		// zstd.NewWriter only fails on invalid options; ours are fixed.
		panic(fmt.Sprintf("compression: default compressor: %v", err))
	}
	return c
}

// Fast returns a compressor that prioritizes speed.
func Fast() Compressor {
	c, err := NewZstdCompressor(LevelFastest)
	if err != nil {
		panic(fmt.Sprintf("compression: fast compressor: %v", err))
	}
	return c
}

// Best returns a compressor that prioritizes compression ratio.
func Best() Compressor {
	c, err := NewZstdCompressor(LevelBest)
	if err != nil {
		panic(fmt.Sprintf("compression: best compressor: %v", err))
	}
	return c
}
