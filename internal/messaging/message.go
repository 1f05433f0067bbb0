// Package messaging defines the JSON frames exchanged with WebSocket
// clients.
//
// Clients send Frames:
//
//	{"type":"join","channel":"org:acme"}
//	{"type":"leave","channel":"org:acme"}
//	{"type":"send","to":"<principal id>","data":{...}}
//	{"type":"send","channel":"org:acme","data":{...}}
//	{"type":"heartbeat"}
//
// The server answers with Envelopes whose type is one of welcome, message,
// ack, error or pong. Every envelope carries a server timestamp in Unix
// milliseconds so clients can measure delivery latency.
package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Client → server frame types.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameSend      = "send"
	FrameHeartbeat = "heartbeat"
)

// Server → client envelope types.
const (
	TypeWelcome = "welcome"
	TypeMessage = "message"
	TypeAck     = "ack"
	TypeError   = "error"
	TypePong    = "pong"
)

// Error codes carried in error envelopes.
const (
	CodeBadFrame        = "bad_frame"
	CodeRateLimited     = "rate_limited"
	CodeForbidden       = "forbidden"
	CodeUnauthenticated = "unauthenticated"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal"
)

// MaxDataSize bounds the payload of a single send frame.
const MaxDataSize = 64 * 1024

var ErrBadFrame = errors.New("bad frame")

// Frame is a message received from a client.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // echoed in the ack or error
	Channel string          `json:"channel,omitempty"`
	To      string          `json:"to,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes and validates a client frame.
func ParseFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch f.Type {
	case FrameHeartbeat:
	case FrameJoin, FrameLeave:
		if f.Channel == "" {
			return nil, fmt.Errorf("%w: %s requires a channel", ErrBadFrame, f.Type)
		}
	case FrameSend:
		if (f.To == "") == (f.Channel == "") {
			return nil, fmt.Errorf("%w: send requires exactly one of to or channel", ErrBadFrame)
		}
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: send requires data", ErrBadFrame)
		}
		if len(f.Data) > MaxDataSize {
			return nil, fmt.Errorf("%w: data exceeds %d bytes", ErrBadFrame, MaxDataSize)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadFrame, f.Type)
	}
	return &f, nil
}

// Envelope wraps every message sent to a client.
type Envelope struct {
	Type      string          `json:"type"`
	Ref       string          `json:"ref,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	From      string          `json:"from,omitempty"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Serialize encodes the envelope for the wire.
func (e *Envelope) Serialize() ([]byte, error) {
	return json.Marshal(e)
}

// NewMessage builds a delivery envelope.
func NewMessage(from, channel string, data json.RawMessage, at time.Time) *Envelope {
	return &Envelope{
		Type:      TypeMessage,
		From:      from,
		Channel:   channel,
		Timestamp: at.UnixMilli(),
		Data:      data,
	}
}

// NewError builds an error envelope answering frame ref.
func NewError(ref, code, msg string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Ref:       ref,
		Timestamp: time.Now().UnixMilli(),
		Code:      code,
		Error:     msg,
	}
}

// NewAck builds an ack envelope answering frame ref. data may be nil.
func NewAck(ref, channel string, data any) (*Envelope, error) {
	env := &Envelope{
		Type:      TypeAck,
		Ref:       ref,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// NewControl builds a welcome or pong envelope.
func NewControl(typ string, data any) (*Envelope, error) {
	env := &Envelope{Type: typ, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}
