package mailbox

import "sync"

// Mailbox delivers queued items to a single handler, one at a time, in the order they were put.
// Delivery happens on the mailbox's own goroutine. Items put while no handler is set are held
// until one is set, so nothing is dropped before a receiver shows up.
type Mailbox[T any] struct {
	m       sync.Mutex
	cond    *sync.Cond
	queue   []T
	handler func(T)
	closed  bool
	stopped chan struct{}
}

func New[T any]() *Mailbox[T] {
	b := &Mailbox[T]{stopped: make(chan struct{})}
	b.cond = sync.NewCond(&b.m)
	go b.run()
	return b
}

// Put enqueues v, returning false if the mailbox is closed.
func (b *Mailbox[T]) Put(v T) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return false
	}
	b.queue = append(b.queue, v)
	b.cond.Signal()
	return true
}

// SetHandler replaces the handler. A nil handler pauses delivery.
func (b *Mailbox[T]) SetHandler(h func(T)) {
	b.m.Lock()
	defer b.m.Unlock()
	b.handler = h
	b.cond.Signal()
}

// Close stops delivery and discards anything still queued.
// It does not wait for an in-flight handler call to return.
func (b *Mailbox[T]) Close() {
	b.m.Lock()
	if !b.closed {
		b.closed = true
		b.queue = nil
		b.cond.Broadcast()
	}
	b.m.Unlock()
}

// Stopped is closed once the delivery goroutine has exited.
func (b *Mailbox[T]) Stopped() <-chan struct{} {
	return b.stopped
}

func (b *Mailbox[T]) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.queue)
}

func (b *Mailbox[T]) run() {
	defer close(b.stopped)
	for {
		b.m.Lock()
		for !b.closed && (len(b.queue) == 0 || b.handler == nil) {
			b.cond.Wait()
		}
		if b.closed {
			b.m.Unlock()
			return
		}
		v := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		h := b.handler
		b.m.Unlock()

		h(v)
	}
}
