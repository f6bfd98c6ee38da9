// Package protocol implements the framing shared by every session transport.
//
// A frame is laid out as
//
//	type u8 | compression u8 | length u32 | payload[length] | crc32c u32
//
// with the checksum computed over header and payload. Integers are big-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/INLOpen/gomsync/compressors"
	"github.com/INLOpen/gomsync/core"
)

// FrameType defines the type of a frame.
type FrameType byte

const (
	// FrameHello is the first frame a server sends; it carries the session key.
	FrameHello FrameType = 0x01
	// FrameSyncRequest asks the server to bootstrap the session.
	FrameSyncRequest FrameType = 0x02
	// FrameSyncAck confirms the session is synchronized and will receive transactions.
	FrameSyncAck FrameType = 0x03
	// FrameReplicationTransaction carries one encoded replication transaction.
	FrameReplicationTransaction FrameType = 0x10
	// FramePing is echoed back by the peer.
	FramePing FrameType = 0x20
	// FrameError carries an ErrorMessage.
	FrameError FrameType = 0xEE
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSyncRequest:
		return "sync_request"
	case FrameSyncAck:
		return "sync_ack"
	case FrameReplicationTransaction:
		return "replication_transaction"
	case FramePing:
		return "ping"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

const (
	headerSize = 1 + 1 + 4
	crcSize    = 4

	// DefaultMaxFrameBytes bounds the payload a reader accepts.
	DefaultMaxFrameBytes = 16 << 20
)

// crc32cTable is a pre-calculated table for the Castagnoli polynomial.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Header represents the fixed-size prefix of every frame.
type Header struct {
	Type        FrameType
	Compression core.CompressionType
	Length      uint32
}

// Encoder builds frames, compressing payloads of at least Threshold bytes.
type Encoder struct {
	Compressor core.Compressor
	Threshold  int
}

// Encode returns the complete frame for payload.
func (e Encoder) Encode(t FrameType, payload []byte) ([]byte, error) {
	compression := core.CompressionNone
	body := payload
	if e.Compressor != nil && e.Compressor.Type() != core.CompressionNone && len(payload) >= e.Threshold && len(payload) > 0 {
		compressed, err := e.Compressor.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress %s frame: %w", t, err)
		}
		// Keep the smaller representation.
		if len(compressed) < len(payload) {
			compression = e.Compressor.Type()
			body = compressed
		}
	}
	return appendFrame(make([]byte, 0, headerSize+len(body)+crcSize), t, compression, body), nil
}

// EncodeFrame builds an uncompressed frame.
func EncodeFrame(t FrameType, payload []byte) []byte {
	return appendFrame(make([]byte, 0, headerSize+len(payload)+crcSize), t, core.CompressionNone, payload)
}

func appendFrame(dst []byte, t FrameType, compression core.CompressionType, body []byte) []byte {
	var header [headerSize]byte
	header[0] = byte(t)
	header[1] = byte(compression)
	binary.BigEndian.PutUint32(header[2:], uint32(len(body)))

	dst = append(dst, header[:]...)
	dst = append(dst, body...)

	hasher := crc32.New(crc32cTable)
	hasher.Write(dst)
	return binary.BigEndian.AppendUint32(dst, hasher.Sum32())
}

// WriteFrame writes an uncompressed frame to w.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if _, err := w.Write(EncodeFrame(t, payload)); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", t, err)
	}
	return nil
}

// ReadFrameHeader reads the fixed-size header of the next frame.
func ReadFrameHeader(r io.Reader) (Header, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:        FrameType(raw[0]),
		Compression: core.CompressionType(raw[1]),
		Length:      binary.BigEndian.Uint32(raw[2:]),
	}, nil
}

// ReadFrame reads one frame from r, verifies its checksum and returns the
// decompressed payload. io.EOF is returned unwrapped when r ends cleanly
// before a new frame.
func ReadFrame(r io.Reader, maxPayload int) (FrameType, []byte, error) {
	header, err := ReadFrameHeader(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameBytes
	}
	if int64(header.Length) > int64(maxPayload) {
		return 0, nil, fmt.Errorf("%w: %d bytes announced, limit %d", core.ErrFrameTooLarge, header.Length, maxPayload)
	}

	rest := make([]byte, int(header.Length)+crcSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return finishFrame(header, rest)
}

// DecodeFrame parses a frame held entirely in memory, as delivered by
// message-oriented transports.
func DecodeFrame(data []byte, maxPayload int) (FrameType, []byte, error) {
	header, err := ReadFrameHeader(bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameBytes
	}
	if int64(header.Length) > int64(maxPayload) {
		return 0, nil, fmt.Errorf("%w: %d bytes announced, limit %d", core.ErrFrameTooLarge, header.Length, maxPayload)
	}
	if want := headerSize + int(header.Length) + crcSize; len(data) != want {
		return 0, nil, fmt.Errorf("frame length mismatch: got %d bytes, want %d", len(data), want)
	}
	return finishFrame(header, data[headerSize:])
}

// finishFrame verifies the checksum over header+body and decompresses the body.
// rest holds the body followed by the checksum.
func finishFrame(header Header, rest []byte) (FrameType, []byte, error) {
	body := rest[:header.Length]
	received := binary.BigEndian.Uint32(rest[header.Length:])

	var raw [headerSize]byte
	raw[0] = byte(header.Type)
	raw[1] = byte(header.Compression)
	binary.BigEndian.PutUint32(raw[2:], header.Length)

	hasher := crc32.New(crc32cTable)
	hasher.Write(raw[:])
	hasher.Write(body)
	if hasher.Sum32() != received {
		return 0, nil, core.ErrChecksumMismatch
	}

	if header.Compression == core.CompressionNone {
		return header.Type, body, nil
	}
	c, err := compressors.ForType(header.Compression)
	if err != nil {
		return 0, nil, fmt.Errorf("frame %s: %w", header.Type, err)
	}
	payload, err := c.Decompress(body)
	if err != nil {
		return 0, nil, fmt.Errorf("frame %s: %w", header.Type, err)
	}
	return header.Type, payload, nil
}
