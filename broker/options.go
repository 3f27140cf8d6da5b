package broker

import (
	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/port"
	"go.uber.org/zap"
)

type Option func(b *Broker)

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		b.zlog = l
		b.log = l.Named("broker").Sugar()
	}
}

// WithPortFactory sets how dedicated port pairs are created. Defaults to in-memory pipes.
func WithPortFactory(f port.Factory) Option {
	return func(b *Broker) {
		b.newPorts = f
	}
}

// WithConnectionOptions adds options for every channel Connection, applied after the broker's defaults.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(b *Broker) {
		b.connOpts = append(b.connOpts, opts...)
	}
}

// WithKnownWindowsOnly drops negotiation messages from windows that were never added with AddWindow, Request or Open.
func WithKnownWindowsOnly() Option {
	return func(b *Broker) {
		b.knownOnly = true
	}
}

// WithOptions stores arbitrary application options, available through Options.
func WithOptions(opts map[string]any) Option {
	return func(b *Broker) {
		b.options = opts
	}
}
