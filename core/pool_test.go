package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_GetReturnsEmptyBuffer(t *testing.T) {
	bp := NewBufferPool(64)

	buf := bp.Get()
	require.NotNil(t, buf)
	assert.Equal(t, 0, buf.Len())

	buf.WriteString("dirty contents")
	bp.Put(buf)

	again := bp.Get()
	assert.Equal(t, 0, again.Len(), "buffers must come back reset")

	gets, created, _ := bp.GetMetrics()
	assert.Equal(t, uint64(2), gets)
	assert.GreaterOrEqual(t, created, uint64(1))
}

func TestBufferPool_DropsOversizedBuffers(t *testing.T) {
	bp := NewBufferPool(64)
	big := bytes.NewBuffer(make([]byte, 0, maxPooledBufferSize+1))

	bp.Put(big)

	_, _, dropped := bp.GetMetrics()
	assert.Equal(t, uint64(1), dropped)
}

func TestScope_Includes(t *testing.T) {
	assert.True(t, ScopeAll.Includes(7))
	assert.True(t, Scope(7).Includes(7))
	assert.False(t, Scope(7).Includes(8))
}

func TestDirtyLevel_String(t *testing.T) {
	assert.Equal(t, "full", LevelFull.String())
	assert.Equal(t, "partial", LevelPartial.String())
	assert.Equal(t, "level(9)", DirtyLevel(9).String())
}

func TestCompressionType_String(t *testing.T) {
	assert.Equal(t, "zstd", CompressionZSTD.String())
	assert.Equal(t, "unknown(42)", CompressionType(42).String())
}
