package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/gomsync/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4DecodedSize bounds the size prefix a peer may announce.
const maxLZ4DecodedSize = 64 << 20

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
// The LZ4 block format does not carry the original size, so every block is
// prefixed with it as a big-endian uint32.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decompress error: block shorter than size prefix (%d bytes)", len(data))
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > maxLZ4DecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: announced size %d exceeds limit", size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src data into the dst buffer using LZ4.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var sizePrefix [4]byte
	binary.BigEndian.PutUint32(sizePrefix[:], uint32(len(src)))
	dst.Write(sizePrefix[:])
	if len(src) == 0 {
		return nil
	}

	tempBuf := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, tempBuf, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// Incompressible input: store it as a single literal run.
		dst.Write(appendLiteralBlock(tempBuf[:0], src))
		return nil
	}
	dst.Write(tempBuf[:n])
	return nil
}

// appendLiteralBlock encodes src as one LZ4 sequence with no match part.
func appendLiteralBlock(dst, src []byte) []byte {
	n := len(src)
	if n < 15 {
		dst = append(dst, byte(n<<4))
	} else {
		dst = append(dst, 0xF0)
		for n -= 15; n >= 255; n -= 255 {
			dst = append(dst, 255)
		}
		dst = append(dst, byte(n))
	}
	return append(dst, src...)
}
