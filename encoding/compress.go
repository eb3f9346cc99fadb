package encoding

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the payload size above which frames are compressed.
// Small lifecycle events are cheaper to send raw than to run through zstd.
const compressThreshold = 1 << 10

// Frame type markers. First byte of every wire frame.
const (
	frameRaw  byte = 0
	frameZstd byte = 1
)

var (
	encoderPool = sync.Pool{
		New: func() any {
			w, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return w
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			r, _ := zstd.NewReader(nil)
			return r
		},
	}
)

// Pack msgpack-encodes v and compresses the result when it exceeds the
// threshold. The returned frame is self-describing.
func Pack(v interface{}) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if len(raw) < compressThreshold {
		return append([]byte{frameRaw}, raw...), nil
	}

	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	out := make([]byte, 1, len(raw)/2+1)
	out[0] = frameZstd
	return enc.EncodeAll(raw, out), nil
}

// Unpack reverses Pack.
func Unpack(frame []byte, v interface{}) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty frame")
	}

	switch frame[0] {
	case frameRaw:
		return Unmarshal(frame[1:], v)
	case frameZstd:
		dec := decoderPool.Get().(*zstd.Decoder)
		defer decoderPool.Put(dec)

		raw, err := dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return fmt.Errorf("zstd decode: %w", err)
		}
		return Unmarshal(raw, v)
	default:
		return fmt.Errorf("unknown frame marker 0x%02x", frame[0])
	}
}
