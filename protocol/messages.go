package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/gomsync/core"
)

// Version is the protocol version announced in Hello frames.
const Version byte = 1

// Hello is the payload of FrameHello.
type Hello struct {
	Version byte
	Key     core.SessionKey
}

func (h *Hello) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = h.Version
	binary.BigEndian.PutUint32(buf[1:], uint32(h.Key))
	return buf, nil
}

func (h *Hello) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("hello payload too short: got %d bytes, want 5", len(data))
	}
	h.Version = data[0]
	h.Key = core.SessionKey(int32(binary.BigEndian.Uint32(data[1:5])))
	return nil
}

// ErrorMessage is the payload of FrameError.
type ErrorMessage struct {
	Code    uint16
	Message string
}

// Error codes carried by ErrorMessage.
const (
	ErrCodeUnexpectedFrame uint16 = 1
	ErrCodeSyncFailed      uint16 = 2
	ErrCodeShuttingDown    uint16 = 3
)

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("Code: %d, Message: %s", e.Code, e.Message)
}

func (e *ErrorMessage) MarshalBinary() ([]byte, error) {
	if len(e.Message) > 0xFFFF {
		return nil, fmt.Errorf("error message too long: %d bytes", len(e.Message))
	}
	buf := make([]byte, 4, 4+len(e.Message))
	binary.BigEndian.PutUint16(buf[0:2], e.Code)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(e.Message)))
	return append(buf, e.Message...), nil
}

func (e *ErrorMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("error payload too short for header")
	}
	e.Code = binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+n {
		return fmt.Errorf("error payload too short for message")
	}
	e.Message = string(data[4 : 4+n])
	return nil
}
