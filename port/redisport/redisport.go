// Package redisport carries port messages over Redis pub/sub channels.
//
// Each end publishes to its peer's channel and subscribes to its own. Redis pub/sub delivers
// messages on one channel in publish order, which is the ordering a port promises.
// Messages published before the peer subscribes are lost, so New waits for the subscription
// to be confirmed before returning.
package redisport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/portrpc/internal/mailbox"
	"github.com/guseggert/portrpc/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Port struct {
	log         *zap.SugaredLogger
	client      redis.UniversalClient
	pubsub      *redis.PubSub
	sendChannel string
	ctx         context.Context
	cancel      func()
	inbox       *mailbox.Mailbox[port.Event]

	closeOnce sync.Once
}

// New subscribes to recvChannel and returns a port that publishes to sendChannel.
func New(ctx context.Context, client redis.UniversalClient, sendChannel, recvChannel string, log *zap.SugaredLogger) (*Port, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ps := client.Subscribe(ctx, recvChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", recvChannel, err)
	}

	// the port outlives the setup context
	pctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		log:         log.Named("redis_port").With("Channel", recvChannel),
		client:      client,
		pubsub:      ps,
		sendChannel: sendChannel,
		ctx:         pctx,
		cancel:      cancel,
		inbox:       mailbox.New[port.Event](),
	}
	go p.readMessages(ps.Channel())
	return p, nil
}

// Factory returns a port.Factory whose pairs are linked through freshly named channels under prefix.
func Factory(client redis.UniversalClient, prefix string, log *zap.SugaredLogger) port.Factory {
	return func() (port.Port, port.Port, error) {
		id := uuid.NewString()
		chanA := fmt.Sprintf("%s:%s:a", prefix, id)
		chanB := fmt.Sprintf("%s:%s:b", prefix, id)

		ctx := context.Background()
		a, err := New(ctx, client, chanB, chanA, log)
		if err != nil {
			return nil, nil, err
		}
		b, err := New(ctx, client, chanA, chanB, log)
		if err != nil {
			a.Close()
			return nil, nil, err
		}
		return a, b, nil
	}
}

func (p *Port) Send(data any) error {
	if p.ctx.Err() != nil {
		return port.ErrClosed
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := p.client.Publish(p.ctx, p.sendChannel, b).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.sendChannel, err)
	}
	return nil
}

func (p *Port) SetHandler(h port.Handler) {
	p.inbox.SetHandler(h)
}

// Close unsubscribes. It does not close the Redis client, which the caller owns.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.inbox.Close()
		err = p.pubsub.Close()
	})
	return err
}

func (p *Port) readMessages(ch <-chan *redis.Message) {
	for msg := range ch {
		p.inbox.Put(port.Event{Data: json.RawMessage(msg.Payload)})
	}
	p.log.Debug("subscription channel closed")
}

// ParseURL parses a redis:// or rediss:// URL into client options.
// A value without a scheme is treated as a plain host:port address.
func ParseURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}

	dbStr := strings.TrimPrefix(u.Path, "/")
	if dbStr == "" {
		dbStr = u.Query().Get("db")
	}
	if dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %w", err)
		}
		opts.DB = db
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
