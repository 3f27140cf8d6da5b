package port

import (
	"sync"

	"github.com/guseggert/portrpc/internal/mailbox"
)

// Pipe is one end of an in-memory linked pair.
type Pipe struct {
	peer  *Pipe
	inbox *mailbox.Mailbox[Event]

	m      sync.Mutex
	closed bool
}

// NewPipe returns two linked ends.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{inbox: mailbox.New[Event]()}
	b := &Pipe{inbox: mailbox.New[Event]()}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Pipe) Send(data any) error {
	p.m.Lock()
	closed := p.closed
	p.m.Unlock()
	if closed {
		return ErrClosed
	}
	if !p.peer.inbox.Put(Event{Data: data}) {
		return ErrClosed
	}
	return nil
}

func (p *Pipe) SetHandler(h Handler) {
	p.inbox.SetHandler(h)
}

// Close shuts down both ends of the pair.
func (p *Pipe) Close() error {
	p.closeLocal()
	p.peer.closeLocal()
	return nil
}

func (p *Pipe) closeLocal() {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.inbox.Close()
}
