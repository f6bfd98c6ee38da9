package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/INLOpen/gomsync/compressors"
	"github.com/INLOpen/gomsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FramePing, []byte("ping")))
	require.NoError(t, WriteFrame(&buf, FrameSyncRequest, nil))

	r := bufio.NewReader(&buf)

	ft, payload, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, FramePing, ft)
	assert.Equal(t, []byte("ping"), payload)

	ft, payload, err = ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, FrameSyncRequest, ft)
	assert.Empty(t, payload)

	_, _, err = ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_ChecksumMismatch(t *testing.T) {
	frame := EncodeFrame(FrameReplicationTransaction, []byte{0x01, 0x02, 0x03})
	frame[headerSize] ^= 0xFF // Corrupt the first payload byte.

	_, _, err := ReadFrame(bytes.NewReader(frame), 0)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)

	_, _, err = DecodeFrame(frame, 0)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)
}

func TestReadFrame_TooLarge(t *testing.T) {
	frame := EncodeFrame(FrameReplicationTransaction, bytes.Repeat([]byte{0xAB}, 64))

	_, _, err := ReadFrame(bytes.NewReader(frame), 32)
	assert.ErrorIs(t, err, core.ErrFrameTooLarge)
}

func TestReadFrame_Truncated(t *testing.T) {
	frame := EncodeFrame(FramePing, []byte("hello"))

	_, _, err := ReadFrame(bytes.NewReader(frame[:len(frame)-2]), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF), "a partial frame is not a clean end of stream")

	_, _, err = DecodeFrame(frame[:len(frame)-2], 0)
	require.Error(t, err)
}

func TestEncoder_CompressesAboveThreshold(t *testing.T) {
	payload := bytes.Repeat([]byte("entity-state;"), 200)

	for _, name := range []string{"snappy", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			c, err := compressors.ByName(name)
			require.NoError(t, err)
			enc := Encoder{Compressor: c, Threshold: 128}

			frame, err := enc.Encode(FrameReplicationTransaction, payload)
			require.NoError(t, err)
			assert.Equal(t, byte(c.Type()), frame[1], "compression type must be recorded in the header")
			assert.Less(t, len(frame), len(payload))

			ft, got, err := DecodeFrame(frame, 0)
			require.NoError(t, err)
			assert.Equal(t, FrameReplicationTransaction, ft)
			assert.Equal(t, payload, got)
		})
	}
}

func TestEncoder_SkipsSmallPayloads(t *testing.T) {
	c, err := compressors.ByName("zstd")
	require.NoError(t, err)
	enc := Encoder{Compressor: c, Threshold: 1024}

	frame, err := enc.Encode(FrameReplicationTransaction, []byte("tiny"))
	require.NoError(t, err)
	assert.Equal(t, byte(core.CompressionNone), frame[1])
	assert.Equal(t, EncodeFrame(FrameReplicationTransaction, []byte("tiny")), frame)
}

func TestDecodeFrame_UnknownCompression(t *testing.T) {
	frame := appendFrame(nil, FrameReplicationTransaction, core.CompressionType(77), []byte("x"))

	_, _, err := DecodeFrame(frame, 0)
	require.Error(t, err)
	assert.True(t, core.IsUnsupportedError(err))
}

func TestMessages(t *testing.T) {
	t.Run("Hello", func(t *testing.T) {
		in := Hello{Version: Version, Key: 123456}
		data, err := in.MarshalBinary()
		require.NoError(t, err)

		var out Hello
		require.NoError(t, out.UnmarshalBinary(data))
		assert.Equal(t, in, out)

		assert.Error(t, out.UnmarshalBinary(data[:3]))
	})

	t.Run("ErrorMessage", func(t *testing.T) {
		in := ErrorMessage{Code: ErrCodeUnexpectedFrame, Message: "unexpected frame"}
		data, err := in.MarshalBinary()
		require.NoError(t, err)

		var out ErrorMessage
		require.NoError(t, out.UnmarshalBinary(data))
		assert.Equal(t, in, out)
		assert.Contains(t, out.Error(), "unexpected frame")

		assert.Error(t, out.UnmarshalBinary(data[:5]))
	})
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "replication_transaction", FrameReplicationTransaction.String())
	assert.Equal(t, "frame(0x7f)", FrameType(0x7f).String())
}
