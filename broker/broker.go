// Package broker negotiates dedicated Connections between windows.
//
// A window requests a named channel type from another window over the host's messaging facility.
// The answering window creates a fresh port pair, keeps one end and transfers the other back in its response.
// Both sides then wrap their end in a Connection, exposing the local surface returned by the factory registered for that channel type.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/future"
	"github.com/guseggert/portrpc/metrics"
	"github.com/guseggert/portrpc/port"
	"go.uber.org/zap"
)

var (
	ErrNoHost             = errors.New("broker: a host is required")
	ErrFactoryExists      = errors.New("broker: factory already registered")
	ErrUnknownFactory     = errors.New("broker: no factory registered")
	ErrChannelEstablished = errors.New("broker: channel already established")
	ErrPortAssigned       = errors.New("broker: channel port already assigned")
)

// FactoryContext is passed to a Factory when a channel's port becomes available.
type FactoryContext struct {
	Broker *Broker
	Type   string
	Window Window
	// Channel settles with the channel's *connection.Connection once its handshake completes.
	Channel *future.Future
}

// Factory returns the local surface to expose on a newly negotiated channel.
type Factory func(ctx FactoryContext) (connection.Local, error)

type channel struct {
	// port never changes once set.
	port   port.Port
	result *future.Future
}

type windowEntry struct {
	win      Window
	channels map[string]*channel
}

type Broker struct {
	log       *zap.SugaredLogger
	zlog      *zap.Logger
	host      Host
	newPorts  port.Factory
	connOpts  []connection.Option
	knownOnly bool
	options   map[string]any

	ctx    context.Context
	cancel context.CancelFunc

	removeListener func()

	mut       sync.Mutex
	factories map[string]Factory
	windows   map[string]*windowEntry
}

// New creates a Broker listening for negotiation messages posted to h.
func New(h Host, opts ...Option) (*Broker, error) {
	if h == nil {
		return nil, ErrNoHost
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		log:       zap.NewNop().Sugar(),
		zlog:      zap.NewNop(),
		host:      h,
		newPorts:  port.PipeFactory,
		options:   map[string]any{},
		ctx:       ctx,
		cancel:    cancel,
		factories: map[string]Factory{},
		windows:   map[string]*windowEntry{},
	}
	for _, o := range opts {
		o(b)
	}
	b.removeListener = h.AddListener(b.handleEvent)
	return b, nil
}

func (b *Broker) Options() map[string]any {
	return b.options
}

// AddFactory registers the factory for a channel type. Each type can be registered once.
func (b *Broker) AddFactory(typ string, f Factory) error {
	b.mut.Lock()
	defer b.mut.Unlock()
	if _, ok := b.factories[typ]; ok {
		return fmt.Errorf("%w: %s", ErrFactoryExists, typ)
	}
	b.factories[typ] = f
	return nil
}

// AddWindow starts tracking win. Adding a window twice keeps its existing channels.
func (b *Broker) AddWindow(win Window) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.windowLocked(win)
}

// RemoveWindow forgets win and its channels. Connections already handed out stay open.
func (b *Broker) RemoveWindow(win Window) {
	b.mut.Lock()
	defer b.mut.Unlock()
	delete(b.windows, win.WindowID())
}

func (b *Broker) knows(win Window) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	_, ok := b.windows[win.WindowID()]
	return ok
}

func (b *Broker) windowLocked(win Window) *windowEntry {
	id := win.WindowID()
	entry, ok := b.windows[id]
	if !ok {
		entry = &windowEntry{win: win, channels: map[string]*channel{}}
		b.windows[id] = entry
	}
	return entry
}

func (b *Broker) channelLocked(win Window, typ string) *channel {
	entry := b.windowLocked(win)
	ch, ok := entry.channels[typ]
	if !ok {
		ch = &channel{result: future.New()}
		entry.channels[typ] = ch
	}
	return ch
}

// Request asks win for a channel of the given type. The returned future settles with the
// channel's *connection.Connection once both sides have completed the handshake.
// Requesting the same channel again returns the same future without sending another request.
func (b *Broker) Request(win Window, typ string) (*future.Future, error) {
	b.mut.Lock()
	if _, ok := b.factories[typ]; !ok {
		b.mut.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, typ)
	}
	entry := b.windowLocked(win)
	if ch, ok := entry.channels[typ]; ok {
		b.mut.Unlock()
		return ch.result, nil
	}
	ch := &channel{result: future.New()}
	entry.channels[typ] = ch
	b.mut.Unlock()

	b.log.Debugf("requesting %s channel from window %s", typ, win.WindowID())
	err := b.host.PostMessage(win, Message{Broker: MessageRequest, Type: typ}, "*")
	if err != nil {
		b.mut.Lock()
		if entry.channels[typ] == ch {
			delete(entry.channels, typ)
		}
		b.mut.Unlock()
		err = fmt.Errorf("requesting %s channel: %w", typ, err)
		ch.result.Reject(err)
		return nil, err
	}
	return ch.result, nil
}

// Open opens a new window through the host and starts tracking it.
func (b *Broker) Open(url, name, features string) (Window, error) {
	win, err := b.host.Open(url, name, features)
	if err != nil {
		return nil, fmt.Errorf("opening window: %w", err)
	}
	b.AddWindow(win)
	return win, nil
}

// Close stops listening to the host. Channels still waiting on their handshake are abandoned.
func (b *Broker) Close() {
	b.removeListener()
	b.cancel()
}

func (b *Broker) handleEvent(ev Event) {
	msg, ok := decodeMessage(ev.Data)
	if !ok || ev.Source == nil {
		return
	}
	if b.knownOnly && !b.knows(ev.Source) {
		b.log.Debugf("dropping %s message from unknown window %s", msg.Broker, ev.Source.WindowID())
		return
	}
	b.AddWindow(ev.Source)

	var local port.Port
	switch msg.Broker {
	case MessageRequest:
		p, err := b.answer(ev, msg.Type)
		if err != nil {
			b.log.Errorw("handling channel request", "Type", msg.Type, "Window", ev.Source.WindowID(), "Error", err)
			return
		}
		local = p
	case MessageResponse:
		if len(ev.Ports) == 0 {
			b.log.Errorw("channel response carried no port", "Type", msg.Type, "Window", ev.Source.WindowID())
			return
		}
		local = ev.Ports[0]
	default:
		b.log.Debugf("ignoring unknown broker message %q", msg.Broker)
		return
	}

	// A surplus port stays open: its peer may already carry the remote's channel.
	if err := b.createConnection(ev.Source, msg.Type, local); err != nil {
		b.log.Errorw("setting up channel", "Type", msg.Type, "Window", ev.Source.WindowID(), "Error", err)
	}
}

// answer creates the port pair for a channel request and sends the remote end back to the requester.
func (b *Broker) answer(ev Event, typ string) (port.Port, error) {
	b.mut.Lock()
	_, hasFactory := b.factories[typ]
	established := false
	if entry, ok := b.windows[ev.Source.WindowID()]; ok {
		if ch, ok := entry.channels[typ]; ok && ch.port != nil {
			established = true
		}
	}
	b.mut.Unlock()

	if !hasFactory {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, typ)
	}
	if established {
		return nil, fmt.Errorf("%w: %s", ErrChannelEstablished, typ)
	}

	local, remote, err := b.newPorts()
	if err != nil {
		return nil, fmt.Errorf("creating port pair: %w", err)
	}
	origin := ev.Origin
	if origin == "" {
		origin = "*"
	}
	if err := b.host.PostMessage(ev.Source, Message{Broker: MessageResponse, Type: typ}, origin, remote); err != nil {
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("sending channel response: %w", err)
	}
	return local, nil
}

// createConnection assigns p to the channel and builds its Connection in the background.
// Failures after the port is assigned reject the channel's future.
func (b *Broker) createConnection(win Window, typ string, p port.Port) error {
	b.mut.Lock()
	ch := b.channelLocked(win, typ)
	if ch.port != nil {
		b.mut.Unlock()
		return fmt.Errorf("%w: %s", ErrPortAssigned, typ)
	}
	ch.port = p
	factory, ok := b.factories[typ]
	b.mut.Unlock()

	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownFactory, typ)
		b.fail(typ, ch, err)
		return err
	}

	go b.setup(FactoryContext{Broker: b, Type: typ, Window: win, Channel: ch.result}, factory, ch)
	return nil
}

func (b *Broker) setup(fctx FactoryContext, factory Factory, ch *channel) {
	local, err := runFactory(factory, fctx)
	if err != nil {
		b.fail(fctx.Type, ch, fmt.Errorf("running %s factory: %w", fctx.Type, err))
		return
	}

	opts := append([]connection.Option{connection.WithDebug(true), connection.WithLogger(b.zlog)}, b.connOpts...)
	conn, err := connection.New(ch.port, local, opts...)
	if err != nil {
		b.fail(fctx.Type, ch, fmt.Errorf("creating connection: %w", err))
		return
	}
	if _, err := conn.Connected().Wait(b.ctx); err != nil {
		conn.Close()
		b.fail(fctx.Type, ch, fmt.Errorf("waiting for %s handshake: %w", fctx.Type, err))
		return
	}

	b.log.Debugf("%s channel with window %s established", fctx.Type, fctx.Window.WindowID())
	metrics.ChannelEstablished(fctx.Type)
	ch.result.Resolve(conn)
}

func (b *Broker) fail(typ string, ch *channel, err error) {
	b.log.Errorw("channel setup failed", "Type", typ, "Error", err)
	metrics.ChannelFailed(typ)
	ch.result.Reject(err)
}

func runFactory(factory Factory, fctx FactoryContext) (local connection.Local, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory(fctx)
}
