package engine

import (
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// MessageType is the opcode of a data message.
type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// String returns the label used in logs and metrics.
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is a complete data message, received or queued for sending.
type Message struct {
	Type MessageType
	Data []byte
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Type: TextMessage, Data: []byte(s)}
}

// IsText reports whether m is a text message.
func (m Message) IsText() bool {
	return m.Type == TextMessage
}

// CloseCode is an RFC 6455 close status code.
type CloseCode int

const (
	CloseNormal   CloseCode = websocket.CloseNormalClosure
	CloseAway     CloseCode = websocket.CloseGoingAway
	CloseAbnormal CloseCode = websocket.CloseAbnormalClosure
	CloseInvalid  CloseCode = websocket.CloseInvalidFramePayloadData
	CloseError    CloseCode = websocket.CloseInternalServerErr
)

// Token identifies a timeout scheduled with Sender.Timeout.
type Token uint64

// maxCloseReason is the largest reason that fits a close frame
// (125 byte control payload minus the 2 byte code).
const maxCloseReason = 123

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	reason = reason[:maxCloseReason]
	for len(reason) > 0 && !utf8.ValidString(reason) {
		reason = reason[:len(reason)-1]
	}
	return reason
}
