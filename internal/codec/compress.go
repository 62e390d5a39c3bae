package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses stored payloads
type Compressor interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
	Name() string
}

// ZstdCompressor implements Compressor with zstd. EncodeAll and DecodeAll are
// safe for concurrent use, so one instance is shared by all callers
type ZstdCompressor struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

// NewZstdCompressor creates a lazily initialized zstd compressor
func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (z *ZstdCompressor) init() error {
	z.once.Do(func() {
		z.enc, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil)
	})
	return z.err
}

// Name returns the algorithm name stored next to compressed payloads
func (z *ZstdCompressor) Name() string { return "zstd" }

// Compress encodes src
func (z *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	return z.enc.EncodeAll(src, make([]byte, 0, len(src)/4)), nil
}

// Decompress decodes src
func (z *ZstdCompressor) Decompress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Payload applies a Compressor only above a size threshold
type Payload struct {
	Compressor Compressor
	Threshold  int
}

// Encode returns the bytes to store and whether they were compressed
func (p Payload) Encode(raw []byte) ([]byte, bool, error) {
	if p.Compressor == nil || p.Threshold <= 0 || len(raw) <= p.Threshold {
		return raw, false, nil
	}
	out, err := p.Compressor.Compress(raw)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Decode reverses Encode
func (p Payload) Decode(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	if p.Compressor == nil {
		return nil, fmt.Errorf("payload is compressed but no compressor is configured")
	}
	return p.Compressor.Decompress(stored)
}

// EncodeValue marshals v to JSON and encodes it
func (p Payload) EncodeValue(v any) ([]byte, bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("marshal payload: %w", err)
	}
	data, compressed, err := p.Encode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("compress payload: %w", err)
	}
	return data, compressed, nil
}

// DecodeValue reverses EncodeValue into target
func (p Payload) DecodeValue(stored []byte, compressed bool, target any) error {
	raw, err := p.Decode(stored, compressed)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
