// Package host is an in-process window messaging facility.
//
// A Desktop holds a set of windows that can post messages to each other. Each window is a broker.Host,
// so a Broker can be attached to it to negotiate channels with its siblings.
package host

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/portrpc/broker"
	"github.com/guseggert/portrpc/internal/mailbox"
	"github.com/guseggert/portrpc/port"
	"go.uber.org/zap"
)

var (
	ErrUnknownWindow  = errors.New("host: unknown window")
	ErrOriginMismatch = errors.New("host: target origin does not match")
	ErrWindowClosed   = errors.New("host: window closed")
)

type Desktop struct {
	log *zap.SugaredLogger

	mut     sync.Mutex
	windows map[string]*Window
}

func NewDesktop(log *zap.SugaredLogger) *Desktop {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Desktop{log: log.Named("desktop"), windows: map[string]*Window{}}
}

// NewWindow opens a window showing rawURL. Its origin is derived from the URL.
func (d *Desktop) NewWindow(rawURL, name string) *Window {
	w := &Window{
		desktop:   d,
		id:        uuid.NewString(),
		url:       rawURL,
		origin:    originOf(rawURL),
		name:      name,
		inbox:     mailbox.New[broker.Event](),
		listeners: map[int]func(broker.Event){},
	}
	w.inbox.SetHandler(w.dispatch)

	d.mut.Lock()
	d.windows[w.id] = w
	d.mut.Unlock()

	d.log.Debugw("opened window", "ID", w.id, "URL", rawURL, "Name", name)
	return w
}

func (d *Desktop) lookup(id string) (*Window, bool) {
	d.mut.Lock()
	defer d.mut.Unlock()
	w, ok := d.windows[id]
	return w, ok
}

func (d *Desktop) findByName(name string) (*Window, bool) {
	d.mut.Lock()
	defer d.mut.Unlock()
	for _, w := range d.windows {
		if w.name == name {
			return w, true
		}
	}
	return nil, false
}

func (d *Desktop) remove(id string) {
	d.mut.Lock()
	defer d.mut.Unlock()
	delete(d.windows, id)
}

// Windows returns the number of open windows.
func (d *Desktop) Windows() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	return len(d.windows)
}

// originOf returns scheme://host for URLs that have both, and "null" otherwise.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

// Window is one window on a Desktop.
type Window struct {
	desktop *Desktop
	id      string
	url     string
	origin  string
	name    string
	inbox   *mailbox.Mailbox[broker.Event]

	mut          sync.Mutex
	listeners    map[int]func(broker.Event)
	nextListener int
}

func (w *Window) WindowID() string { return w.id }
func (w *Window) URL() string      { return w.url }
func (w *Window) Origin() string   { return w.origin }
func (w *Window) Name() string     { return w.name }

func (w *Window) String() string {
	return fmt.Sprintf("window %s (%s)", w.id, w.url)
}

func (w *Window) AddListener(fn func(broker.Event)) (remove func()) {
	w.mut.Lock()
	defer w.mut.Unlock()
	id := w.nextListener
	w.nextListener++
	w.listeners[id] = fn
	return func() {
		w.mut.Lock()
		defer w.mut.Unlock()
		delete(w.listeners, id)
	}
}

// PostMessage queues data for delivery to target's listeners, with w as the source.
// Messages from one window to another are delivered in the order they were posted.
func (w *Window) PostMessage(target broker.Window, data any, targetOrigin string, transfer ...port.Port) error {
	t, ok := w.desktop.lookup(target.WindowID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, target.WindowID())
	}
	if targetOrigin != "*" && targetOrigin != t.origin {
		w.desktop.log.Debugw("discarding message", "Target", t.id, "TargetOrigin", targetOrigin, "Origin", t.origin)
		return fmt.Errorf("%w: %s is not %s", ErrOriginMismatch, t.origin, targetOrigin)
	}
	if !t.inbox.Put(broker.Event{Data: data, Ports: transfer, Source: w, Origin: w.origin}) {
		return fmt.Errorf("%w: %s", ErrWindowClosed, t.id)
	}
	return nil
}

// Open returns the window with the given name, opening a new one if there is none.
// Features are accepted for compatibility and ignored.
func (w *Window) Open(rawURL, name, features string) (broker.Window, error) {
	if name != "" {
		if existing, ok := w.desktop.findByName(name); ok {
			return existing, nil
		}
	}
	return w.desktop.NewWindow(rawURL, name), nil
}

// Close removes the window from its Desktop and discards undelivered messages.
func (w *Window) Close() {
	w.desktop.remove(w.id)
	w.inbox.Close()
}

func (w *Window) dispatch(ev broker.Event) {
	w.mut.Lock()
	fns := make([]func(broker.Event), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mut.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
