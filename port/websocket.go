package port

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/guseggert/portrpc/internal/mailbox"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ReadLimit is the largest message a WebSocket port accepts.
const ReadLimit = 1 << 20

// WebSocket is a port that sends each message as one JSON WebSocket message.
// Received messages are delivered as json.RawMessage.
type WebSocket struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	inbox  *mailbox.Mailbox[Event]

	closeConnOnce sync.Once
}

// NewWebSocket starts reading messages from conn. The port is closed when ctx is done.
func NewWebSocket(ctx context.Context, conn *websocket.Conn, log *zap.SugaredLogger) *WebSocket {
	conn.SetReadLimit(ReadLimit)
	ctx, cancel := context.WithCancel(ctx)
	w := &WebSocket{
		log:    orNop(log).Named("websocket_port"),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		inbox:  mailbox.New[Event](),
	}
	go w.readMessages()
	return w
}

func (w *WebSocket) Send(data any) error {
	if w.ctx.Err() != nil {
		return ErrClosed
	}
	err := wsjson.Write(w.ctx, w.conn, data)
	if err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (w *WebSocket) SetHandler(h Handler) {
	w.inbox.SetHandler(h)
}

// Done is closed once the port stops reading, either because it was closed or the peer went away.
func (w *WebSocket) Done() <-chan struct{} {
	return w.ctx.Done()
}

func (w *WebSocket) Close() error {
	w.close(websocket.StatusNormalClosure, "")
	w.inbox.Close()
	return nil
}

func (w *WebSocket) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	w.closeConnOnce.Do(func() {
		w.cancel()
		err := w.conn.Close(code, reason)
		if err != nil {
			w.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (w *WebSocket) readMessages() {
	for {
		var msg json.RawMessage
		err := wsjson.Read(w.ctx, w.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			w.log.Debug("got normal closure from peer")
			w.close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			if w.ctx.Err() == nil {
				w.log.Debugf("message reader got error: %s", err)
			}
			w.close(websocket.StatusInternalError, err.Error())
			return
		}
		w.inbox.Put(Event{Data: msg})
	}
}
