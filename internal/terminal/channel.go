package terminal

import (
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// MessageType distinguishes textual from binary channel messages.
type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
)

// Message is one unit exchanged over a Channel.
type Message struct {
	Type MessageType
	Data []byte
}

// Channel is the duplex stream a session is bound to. Receive blocks until
// the next client message and returns an error once the peer is gone or
// the channel is closed; Close must unblock a pending Receive. Send and
// Close may be called from different goroutines than Receive.
type Channel interface {
	Receive() (Message, error)
	Send(Message) error
	Close() error
}

// ErrChannelClosed is returned by channels after Close.
var ErrChannelClosed = errors.New("channel closed")

// ControlMessage is the only structured message multiplexed into the input
// stream.
type ControlMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ParseControl recognizes a resize control message. It reports false for
// anything that is not a textual JSON object of type "resize", in which case
// the message must be treated as keystrokes.
func ParseControl(msg Message) (ControlMessage, bool) {
	if msg.Type != TextMessage || len(msg.Data) == 0 || msg.Data[0] != '{' {
		return ControlMessage{}, false
	}
	var ctl ControlMessage
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		return ControlMessage{}, false
	}
	if ctl.Type != "resize" {
		return ControlMessage{}, false
	}
	return ctl, true
}

// ResizeMessage encodes a resize control message for clients.
func ResizeMessage(cols, rows int) Message {
	data, _ := json.Marshal(ControlMessage{Type: "resize", Cols: cols, Rows: rows})
	return Message{Type: TextMessage, Data: data}
}

// completeUTF8Prefix returns the length of the longest prefix of p that does
// not end inside a multi-byte UTF-8 sequence.
func completeUTF8Prefix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// outputMessage frames PTY output. Valid UTF-8 goes out as text, anything
// else is passed through untouched as binary.
func outputMessage(p []byte) Message {
	if utf8.Valid(p) {
		return Message{Type: TextMessage, Data: p}
	}
	return Message{Type: BinaryMessage, Data: p}
}
