package connection

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/portrpc/future"
	"github.com/guseggert/portrpc/metrics"
	"github.com/guseggert/portrpc/port"
	"go.uber.org/zap"
)

var (
	ErrNoPort = errors.New("connection: a port is required")
	ErrClosed = errors.New("connection: closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type pendingRequest struct {
	frame  Frame
	result *future.Future
}

type result struct {
	value any
	err   error
}

// Connection is one endpoint of the RPC protocol, bound to a single port.
type Connection struct {
	log        *zap.SugaredLogger
	port       port.Port
	config     Config
	newID      func() string
	serializer serializer

	ctx    context.Context
	cancel context.CancelFunc

	connected *future.Future

	mut     sync.Mutex
	local   Local
	state   State
	pending map[string]*pendingRequest
	closed  bool
}

// New binds a Connection to p, exposing local to the remote. A nil local exposes no methods.
// The Connection takes over p's handler.
func New(p port.Port, local Local, opts ...Option) (*Connection, error) {
	if p == nil {
		return nil, ErrNoPort
	}
	if local == nil {
		local = Methods{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		log:       zap.NewNop().Sugar(),
		port:      p,
		config:    DefaultConfig(),
		newID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
		connected: future.New(),
		local:     local,
		pending:   map[string]*pendingRequest{},
	}
	for _, o := range opts {
		o(c)
	}
	c.serializer = serializer{log: c.log, debug: c.config.Debug}

	p.SetHandler(c.handleEvent)

	if c.config.AutoConnect {
		c.Connect()
	}
	return c, nil
}

// Local returns the surface currently exposed to the remote.
func (c *Connection) Local() Local {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.local
}

// SetLocal replaces the exposed surface. Invocations already dispatched keep the old one.
func (c *Connection) SetLocal(l Local) {
	if l == nil {
		l = Methods{}
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	c.local = l
}

func (c *Connection) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Connected returns the future that resolves with c once the handshake completes.
func (c *Connection) Connected() *future.Future {
	return c.connected
}

// Pending returns the number of outbound requests awaiting a reply.
func (c *Connection) Pending() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.pending)
}

// Connect starts the handshake and returns the same future as Connected.
// While the handshake is unanswered, each call retransmits the identical connect frame.
// Once connected, calls have no effect.
func (c *Connection) Connect() *future.Future {
	c.mut.Lock()
	switch c.state {
	case StateIdle:
		entry, err := c.trackLocked(Frame{ID: ConnectID, Type: FrameConnect})
		if err != nil {
			c.mut.Unlock()
			return c.connected
		}
		c.state = StateConnecting
		c.mut.Unlock()

		entry.result.Then(func(_ any, err error) {
			if err != nil {
				c.connected.Reject(err)
				return
			}
			c.markConnected()
		})
		c.transmit(entry)

	case StateConnecting:
		entry, ok := c.pending[ConnectID]
		c.mut.Unlock()
		if ok {
			c.log.Debug("retransmitting connect")
			if err := c.send(entry.frame); err != nil {
				c.log.Debugw("retransmitting connect", "Error", err)
			}
		}

	default:
		c.mut.Unlock()
	}
	return c.connected
}

func (c *Connection) markConnected() {
	c.mut.Lock()
	if c.state == StateConnected {
		c.mut.Unlock()
		return
	}
	c.state = StateConnected
	entry, ok := c.pending[ConnectID]
	if ok {
		delete(c.pending, ConnectID)
		metrics.PendingRemoved()
	}
	c.mut.Unlock()

	c.log.Debug("connected")
	if ok {
		entry.result.Resolve(nil)
	}
	c.connected.Resolve(c)
}

// Invoke calls the named remote method. The returned future settles with the remote's reply.
func (c *Connection) Invoke(method string, args ...any) *future.Future {
	return c.request(Frame{
		Type:   FrameInvoke,
		Method: method,
		Args:   c.serializer.serializeList(args),
	})
}

// Close rejects every outstanding request with ErrClosed, cancels in-flight local methods and closes the port.
func (c *Connection) Close() error {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	c.mut.Unlock()

	c.cancel()
	for _, entry := range pending {
		metrics.PendingRemoved()
		entry.result.Reject(ErrClosed)
	}
	c.connected.Reject(ErrClosed)
	return c.port.Close()
}

func (c *Connection) request(f Frame) *future.Future {
	c.mut.Lock()
	entry, err := c.trackLocked(f)
	c.mut.Unlock()
	if err != nil {
		return future.Rejected(err)
	}
	c.transmit(entry)
	return entry.result
}

// trackLocked stamps f and records it as pending. c.mut must be held.
func (c *Connection) trackLocked(f Frame) (*pendingRequest, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if f.ID == "" {
		f.ID = c.newID()
	}
	entry := &pendingRequest{frame: c.stamp(f), result: future.New()}
	c.pending[f.ID] = entry
	metrics.PendingAdded()
	return entry, nil
}

func (c *Connection) transmit(entry *pendingRequest) {
	err := c.send(entry.frame)
	if err == nil {
		return
	}
	c.mut.Lock()
	if c.pending[entry.frame.ID] == entry {
		delete(c.pending, entry.frame.ID)
		metrics.PendingRemoved()
	}
	c.mut.Unlock()
	entry.result.Reject(fmt.Errorf("sending %s frame: %w", entry.frame.Type, err))
}

func (c *Connection) stamp(f Frame) Frame {
	f.PC = true
	f.Key = c.config.MessageKey
	return f
}

func (c *Connection) send(f Frame) error {
	if err := c.port.Send(f); err != nil {
		return err
	}
	metrics.FrameSent(string(f.Type))
	return nil
}

// reply sends the resolve or reject frame for request id. A result the port cannot encode
// is replaced by a rejection, so the request still gets its one reply.
func (c *Connection) reply(id string, typ FrameType, value any) {
	v := c.serializer.serialize(value)
	err := c.send(c.stamp(Frame{ID: id, Type: typ, Value: &v}))
	if err == nil {
		return
	}
	if typ == FrameResolve && !errors.Is(err, port.ErrClosed) {
		c.log.Debugw("result not sendable, rejecting instead", "ID", id, "Error", err)
		rejection := c.serializer.serialize(&RemoteError{Message: "encoding result: " + err.Error()})
		err = c.send(c.stamp(Frame{ID: id, Type: FrameReject, Value: &rejection}))
		if err == nil {
			return
		}
	}
	c.log.Debugw("sending reply", "ID", id, "Type", typ, "Error", err)
}

func (c *Connection) handleEvent(ev port.Event) {
	f, err := decodeFrame(ev.Data)
	if err != nil {
		metrics.FrameDropped(metrics.DropUndecodable)
		if c.config.Debug {
			c.log.Debugw("dropping message", "Error", err)
		}
		return
	}
	if !f.PC {
		metrics.FrameDropped(metrics.DropUntagged)
		return
	}
	if key := c.config.MessageKey; key != "" && subtle.ConstantTimeCompare([]byte(f.Key), []byte(key)) != 1 {
		metrics.FrameDropped(metrics.DropKeyMismatch)
		return
	}
	metrics.FrameReceived(string(f.Type))

	switch f.Type {
	case FrameResolve, FrameReject:
		c.settle(f)
	case FrameConnect:
		c.handleConnect(f)
	case FrameInvoke:
		go func() {
			c.respond(f.ID, c.dispatch(f))
		}()
	default:
		if c.config.Debug {
			c.log.Debugw("unrecognized frame type", "ID", f.ID, "Type", f.Type)
		}
		c.reply(f.ID, FrameResolve, nil)
	}
}

func (c *Connection) settle(f Frame) {
	c.mut.Lock()
	entry, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
		metrics.PendingRemoved()
	}
	c.mut.Unlock()

	if !ok {
		metrics.FrameDropped(metrics.DropUnknownReply)
		c.log.Debugw("dropping reply for unknown request", "ID", f.ID, "Type", f.Type)
		return
	}

	var v any
	if f.Value != nil {
		v = c.serializer.unserialize(*f.Value)
	}
	if f.Type == FrameResolve {
		entry.result.Resolve(v)
	} else {
		entry.result.Reject(asError(v))
	}
}

func (c *Connection) handleConnect(f Frame) {
	switch c.State() {
	case StateConnecting:
		c.markConnected()
	case StateIdle:
		c.Connect()
	}
	go c.respond(f.ID, result{value: c.connected})
}

// dispatch looks up and runs the invoked method. Callers run it off the port's delivery goroutine.
func (c *Connection) dispatch(f Frame) (res result) {
	method, ok := c.Local().Method(f.Method)
	if !ok {
		return result{err: &RemoteError{Message: "Unknown method " + f.Method}}
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("method panicked", "Method", f.Method, "Panic", r)
			res = result{err: fmt.Errorf("method %s panicked: %v", f.Method, r)}
		}
	}()
	v, err := method(c.ctx, c.serializer.unserializeList(f.Args)...)
	return result{value: v, err: err}
}

// respond sends the single reply for request id, first waiting out any deferred result.
// A panic while building the reply, such as from the Error method of a nil error, is sent as a rejection.
func (c *Connection) respond(id string, res result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorw("building reply panicked", "ID", id, "Panic", r)
			c.reply(id, FrameReject, &RemoteError{Message: fmt.Sprintf("building reply: %v", r)})
		}
	}()
	if fut, ok := res.value.(*future.Future); ok && res.err == nil {
		v, err := fut.Wait(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		res = result{value: v, err: err}
	}
	if res.err != nil {
		c.reply(id, FrameReject, res.err)
		return
	}
	c.reply(id, FrameResolve, res.value)
}
