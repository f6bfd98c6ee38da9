package compressors

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/INLOpen/gomsync/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd.
// Encoders and decoders are expensive to build, so both are pooled.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
				if err != nil {
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
				if err != nil {
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	if err := c.CompressTo(buf, data); err != nil {
		return nil, err
	}
	// The pooled buffer is reused, so hand out a copy.
	compressed := make([]byte, buf.Len())
	copy(compressed, buf.Bytes())
	return compressed, nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd decompress error: decoder unavailable")
	}
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}

// CompressTo compresses src data into the dst buffer using ZSTD.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return fmt.Errorf("zstd compress error: encoder unavailable")
	}
	defer c.encoderPool.Put(enc)

	dst.Reset()
	enc.Reset(dst)
	if _, err := enc.Write(src); err != nil {
		// Even on error, Close must be called to not break the encoder state.
		_ = enc.Close()
		return fmt.Errorf("zstd compress write error: %w", err)
	}
	return enc.Close()
}
