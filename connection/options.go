package connection

import "go.uber.org/zap"

// Config holds the recognized connection settings.
type Config struct {
	// AutoConnect starts the handshake from New.
	AutoConnect bool
	// MessageKey, if set, must match the key of every accepted inbound frame.
	MessageKey string
	// Debug enables diagnostic logging of serialization and setup failures.
	Debug bool
}

func DefaultConfig() Config {
	return Config{AutoConnect: true}
}

type Option func(c *Connection)

func WithAutoConnect(b bool) Option {
	return func(c *Connection) {
		c.config.AutoConnect = b
	}
}

func WithMessageKey(key string) Option {
	return func(c *Connection) {
		c.config.MessageKey = key
	}
}

func WithDebug(b bool) Option {
	return func(c *Connection) {
		c.config.Debug = b
	}
}

// WithConfig replaces every setting at once.
func WithConfig(cfg Config) Option {
	return func(c *Connection) {
		c.config = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.log = l.Named("connection").Sugar()
	}
}

// WithIDGenerator replaces the correlation id generator. Ids must be unique per Connection.
func WithIDGenerator(f func() string) Option {
	return func(c *Connection) {
		c.newID = f
	}
}
