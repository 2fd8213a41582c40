// Package compression compresses small blob values before they are written to
// a local shard.
package compression

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Level selects the encoder speed/ratio trade-off.
type Level string

const (
	LevelNone    Level = "none"
	LevelFastest Level = "fastest"
	LevelDefault Level = "default"
	LevelBetter  Level = "better"
)

// minSize is the smallest input worth handing to the encoder.
const minSize = 128

// ParseLevel accepts the config spellings of Level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(s)); l {
	case "", LevelDefault:
		return LevelDefault, nil
	case LevelNone, LevelFastest, LevelBetter:
		return l, nil
	default:
		return "", fmt.Errorf("compression: unknown level %q", s)
	}
}

// Compressor is safe for concurrent use.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a compressor for level. LevelNone yields a compressor that
// never compresses but can still decode values written earlier.
func New(level Level) (*Compressor, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	c := &Compressor{decoder: decoder}
	if level == LevelNone {
		return c, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	c.encoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, err
	}
	return c, nil
}

// Compress returns the encoded form of data and true, or data itself and
// false when compression is disabled or does not shrink it.
func (c *Compressor) Compress(data []byte) ([]byte, bool) {
	if c.encoder == nil || len(data) < minSize {
		return data, false
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

// Decompress decodes a value produced by Compress. sizeHint preallocates the
// output.
func (c *Compressor) Decompress(data []byte, sizeHint int64) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, make([]byte, 0, sizeHint))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
	return nil
}
