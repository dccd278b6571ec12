// Package compression wraps zstd for stored and transferred objects.
//
// Encoded output is either a zstd frame or the input itself; Decode tells the
// two apart by the zstd frame magic, so inputs must never start with it.
// Archive objects always begin with an ASCII type header.
package compression

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Levels accepted by New.
const (
	LevelOff     = 0
	LevelFastest = 1
	LevelDefault = 2
	LevelBest    = 3
)

// Inputs shorter than this are stored raw.
const minSize = 128

var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New returns a codec for level. LevelOff disables encoding; decoding of
// previously compressed data keeps working.
func New(level int) (*Codec, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &Codec{decoder: decoder}
	if level == LevelOff {
		return c, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBest:
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
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return c, nil
}

// Encode compresses data unless that would not make it smaller.
func (c *Codec) Encode(data []byte) []byte {
	if c.encoder == nil || len(data) < minSize {
		return data
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}

// IsCompressed reports whether data starts with a zstd frame.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
