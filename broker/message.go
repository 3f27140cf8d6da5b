package broker

import (
	"encoding/json"

	"github.com/guseggert/portrpc/port"
)

// Message kinds carried in the "_broker" field.
const (
	MessageRequest  = "request"
	MessageResponse = "response"
)

// Message is a negotiation message sent over the host's messaging facility.
// A response carries the remote end of the dedicated port as a transferred port.
type Message struct {
	Broker string `json:"_broker"`
	Type   string `json:"type"`
}

// Window identifies a window that can be messaged through a Host.
type Window interface {
	// WindowID returns a token that stays the same for the life of the window.
	WindowID() string
}

// Event is a message delivered by a Host.
type Event struct {
	Data  any
	Ports []port.Port
	// Source is the window that posted the message.
	Source Window
	// Origin is the sender's origin, used as the target origin when answering it.
	Origin string
}

// Host is the ambient window messaging facility a Broker bootstraps channels over.
type Host interface {
	// AddListener registers fn for every message posted to this window, and returns a function that removes it.
	AddListener(fn func(Event)) (remove func())
	// PostMessage delivers data to target if target's origin matches targetOrigin ("*" matches any).
	// Transferred ports are handed to the target along with the message.
	PostMessage(target Window, data any, targetOrigin string, transfer ...port.Port) error
	Open(url, name, features string) (Window, error)
}

func decodeMessage(data any) (Message, bool) {
	var msg Message
	switch d := data.(type) {
	case Message:
		msg = d
	case *Message:
		if d == nil {
			return Message{}, false
		}
		msg = *d
	case map[string]any:
		msg.Broker, _ = d["_broker"].(string)
		msg.Type, _ = d["type"].(string)
	case json.RawMessage:
		if json.Unmarshal(d, &msg) != nil {
			return Message{}, false
		}
	case []byte:
		if json.Unmarshal(d, &msg) != nil {
			return Message{}, false
		}
	default:
		return Message{}, false
	}
	return msg, msg.Broker != ""
}
