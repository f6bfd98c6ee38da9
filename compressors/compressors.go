// Package compressors implements the payload compressors a frame may be encoded with.
package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/gomsync/core"
)

var (
	noneCompressor   = &NoCompressionCompressor{}
	snappyCompressor = NewSnappyCompressor()
	lz4Compressor    = NewLz4Compressor()
	zstdCompressor   = NewZstdCompressor()
)

// ByName returns the compressor configured under name ("none", "snappy", "lz4", "zstd").
// An empty name selects no compression.
func ByName(name string) (core.Compressor, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return noneCompressor, nil
	case "snappy":
		return snappyCompressor, nil
	case "lz4":
		return lz4Compressor, nil
	case "zstd":
		return zstdCompressor, nil
	default:
		return nil, &core.UnsupportedTypeError{Message: fmt.Sprintf("compression %q", name)}
	}
}

// ForType returns the compressor that produced payloads tagged with ct.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return noneCompressor, nil
	case core.CompressionSnappy:
		return snappyCompressor, nil
	case core.CompressionLZ4:
		return lz4Compressor, nil
	case core.CompressionZSTD:
		return zstdCompressor, nil
	default:
		return nil, &core.UnsupportedTypeError{Message: ct.String()}
	}
}
