package port

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/guseggert/portrpc/internal/mailbox"
	"github.com/prep/socketpair"
	"go.uber.org/zap"
)

// Stream is a port carrying newline-delimited JSON over a byte stream.
// Received messages are delivered as json.RawMessage.
type Stream struct {
	log   *zap.SugaredLogger
	conn  net.Conn
	inbox *mailbox.Mailbox[Event]

	writeMut sync.Mutex
	enc      *json.Encoder

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream starts reading messages from conn. The Stream owns conn and closes it on Close.
func NewStream(conn net.Conn, log *zap.SugaredLogger) *Stream {
	s := &Stream{
		log:    orNop(log).Named("stream_port"),
		conn:   conn,
		inbox:  mailbox.New[Event](),
		enc:    json.NewEncoder(conn),
		closed: make(chan struct{}),
	}
	go s.readMessages()
	return s
}

// NewSocketPair links two Streams over a unix socketpair.
func NewSocketPair(log *zap.SugaredLogger) (*Stream, *Stream, error) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	return NewStream(a, log), NewStream(b, log), nil
}

func (s *Stream) Send(data any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	if err := s.enc.Encode(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (s *Stream) SetHandler(h Handler) {
	s.inbox.SetHandler(h)
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.inbox.Close()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) readMessages() {
	dec := json.NewDecoder(s.conn)
	for {
		var msg json.RawMessage
		err := dec.Decode(&msg)
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !errors.Is(err, io.EOF) {
					s.log.Debugf("message reader got error: %s", err)
				}
			}
			return
		}
		s.inbox.Put(Event{Data: msg})
	}
}
