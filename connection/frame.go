package connection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType enumerates protocol frame types.
type FrameType string

const (
	FrameConnect FrameType = "connect"
	FrameInvoke  FrameType = "invoke"
	FrameResolve FrameType = "resolve"
	FrameReject  FrameType = "reject"
)

// ConnectID is the correlation id reserved for the handshake frame.
const ConnectID = "connect"

// Frame is one protocol message.
type Frame struct {
	// PC marks the message as a protocol frame. Receivers drop anything without it.
	PC  bool   `json:"_pc"`
	Key string `json:"_key,omitempty"`
	ID  string `json:"_id"`

	Type FrameType `json:"_type"`

	// Method and Args are set on invoke frames.
	Method string  `json:"method,omitempty"`
	Args   []Value `json:"args,omitempty"`

	// Value is set on resolve and reject frames.
	Value *Value `json:"value,omitempty"`
}

// MarshalJSON writes args on every invoke frame, as an empty list when there are none.
func (f Frame) MarshalJSON() ([]byte, error) {
	type plain Frame
	if f.Type != FrameInvoke {
		return json.Marshal(plain(f))
	}
	args := f.Args
	if args == nil {
		args = []Value{}
	}
	return json.Marshal(struct {
		plain
		Args []Value `json:"args"`
	}{plain(f), args})
}

var errUndecodable = errors.New("connection: message is not a frame")

// decodeFrame accepts frames as delivered by in-memory ports and as raw JSON from ports that cross a process boundary.
func decodeFrame(data any) (Frame, error) {
	switch d := data.(type) {
	case Frame:
		return d, nil
	case *Frame:
		if d == nil {
			return Frame{}, errUndecodable
		}
		return *d, nil
	case json.RawMessage:
		return unmarshalFrame(d)
	case []byte:
		return unmarshalFrame(d)
	case string:
		return unmarshalFrame([]byte(d))
	case map[string]any:
		b, err := json.Marshal(d)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %s", errUndecodable, err)
		}
		return unmarshalFrame(b)
	default:
		return Frame{}, fmt.Errorf("%w: unsupported message type %T", errUndecodable, data)
	}
}

func unmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %s", errUndecodable, err)
	}
	return f, nil
}
