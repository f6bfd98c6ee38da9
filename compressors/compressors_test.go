package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/gomsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors_RoundTrip(t *testing.T) {
	compressorsUnderTest := []core.Compressor{
		&NoCompressionCompressor{},
		NewSnappyCompressor(),
		NewLz4Compressor(),
		NewZstdCompressor(),
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("entity 42 moved to (10, 12)")},
		{name: "repetitive data", data: bytes.Repeat([]byte("a"), 4096)},
		{name: "empty data", data: []byte{}},
		{name: "binary data", data: []byte{0x00, 0xff, 0x10, 0x7f, 0x80, 0x01}},
	}

	for _, c := range compressorsUnderTest {
		for _, tc := range testCases {
			t.Run(c.Type().String()+"/"+tc.name, func(t *testing.T) {
				compressed, err := c.Compress(tc.data)
				require.NoError(t, err)

				decompressed, err := c.Decompress(compressed)
				require.NoError(t, err)
				assert.Equal(t, len(tc.data), len(decompressed))
				assert.True(t, bytes.Equal(tc.data, decompressed))

				var dst bytes.Buffer
				dst.WriteString("stale")
				require.NoError(t, c.CompressTo(&dst, tc.data))
				viaBuffer, err := c.Decompress(dst.Bytes())
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tc.data, viaBuffer), "CompressTo must produce the same format as Compress")
			})
		}
	}
}

func TestCompressors_RepetitiveDataShrinks(t *testing.T) {
	data := bytes.Repeat([]byte("position update "), 512)
	for _, c := range []core.Compressor{NewSnappyCompressor(), NewLz4Compressor(), NewZstdCompressor()} {
		compressed, err := c.Compress(data)
		require.NoError(t, err)
		assert.Less(t, len(compressed), len(data), "%s should shrink repetitive data", c.Type())
	}
}

func TestLZ4Compressor_RejectsTruncatedBlock(t *testing.T) {
	_, err := NewLz4Compressor().Decompress([]byte{0x00, 0x01})
	require.Error(t, err)
}

func TestByName(t *testing.T) {
	for name, want := range map[string]core.CompressionType{
		"":       core.CompressionNone,
		"none":   core.CompressionNone,
		"Snappy": core.CompressionSnappy,
		"lz4":    core.CompressionLZ4,
		"zstd":   core.CompressionZSTD,
	} {
		c, err := ByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Type(), name)
	}

	_, err := ByName("brotli")
	require.Error(t, err)
	assert.True(t, core.IsUnsupportedError(err))
}

func TestForType(t *testing.T) {
	c, err := ForType(core.CompressionLZ4)
	require.NoError(t, err)
	assert.Equal(t, core.CompressionLZ4, c.Type())

	_, err = ForType(core.CompressionType(99))
	assert.True(t, core.IsUnsupportedError(err))
}

func TestLZ4Compressor_IncompressibleInput(t *testing.T) {
	c := NewLz4Compressor()
	for _, size := range []int{1, 14, 15, 16, 300} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i*97 + 13)
		}
		compressed, err := c.Compress(data)
		require.NoError(t, err, "size %d", size)
		got, err := c.Decompress(compressed)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, data, got)
	}
}
