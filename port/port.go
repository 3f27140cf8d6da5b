package port

import (
	"errors"

	"go.uber.org/zap"
)

// ErrClosed is returned when sending on a closed port.
var ErrClosed = errors.New("port: closed")

// Event wraps one delivered message.
type Event struct {
	Data any
	// Ports holds any ports transferred along with the message.
	Ports []Port
}

type Handler func(Event)

type Port interface {
	// Send forwards data to the far end. It does not wait for delivery.
	Send(data any) error
	// SetHandler sets the receive handler, replacing any previous one.
	SetHandler(h Handler)
	Close() error
}

// Factory creates a linked pair of ports: a message sent on one is delivered to the other.
type Factory func() (Port, Port, error)

// PipeFactory is a Factory for in-memory pipes.
func PipeFactory() (Port, Port, error) {
	a, b := NewPipe()
	return a, b, nil
}

// SocketPairFactory returns a Factory that links each pair over a unix socketpair.
func SocketPairFactory(log *zap.SugaredLogger) Factory {
	return func() (Port, Port, error) {
		a, b, err := NewSocketPair(log)
		if err != nil {
			return nil, nil, err
		}
		return a, b, nil
	}
}

func orNop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return zap.NewNop().Sugar()
	}
	return log
}
