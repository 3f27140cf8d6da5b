// Package config loads portrpc settings from YAML or TOML files and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/portrpc/connection"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

type Config struct {
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Agent      AgentConfig      `yaml:"agent" toml:"agent"`
	Broker     BrokerConfig     `yaml:"broker" toml:"broker"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

type ConnectionConfig struct {
	AutoConnect bool   `yaml:"auto_connect" toml:"auto_connect"`
	MessageKey  string `yaml:"message_key" toml:"message_key"`
	Debug       bool   `yaml:"debug" toml:"debug"`
}

type AgentConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	CACertFile string `yaml:"ca_cert_file" toml:"ca_cert_file"`
	CertFile   string `yaml:"cert_file" toml:"cert_file"`
	KeyFile    string `yaml:"key_file" toml:"key_file"`
}

type BrokerConfig struct {
	RedisURL      string         `yaml:"redis_url" toml:"redis_url"`
	ChannelPrefix string         `yaml:"channel_prefix" toml:"channel_prefix"`
	Options       map[string]any `yaml:"options" toml:"options"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

func Default() Config {
	return Config{
		Connection: ConnectionConfig{AutoConnect: true},
		Agent:      AgentConfig{ListenAddr: "127.0.0.1:8080"},
		Broker:     BrokerConfig{ChannelPrefix: "portrpc"},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads path on top of Default. Only keys present in the file change the defaults.
// The format is picked from the extension: .yaml, .yml or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(b), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return cfg, nil
}

// ApplyEnv overlays PORTRPC_* environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORTRPC_MESSAGE_KEY"); v != "" {
		c.Connection.MessageKey = v
	}
	if v := os.Getenv("PORTRPC_LISTEN_ADDR"); v != "" {
		c.Agent.ListenAddr = v
	}
	if v := os.Getenv("PORTRPC_REDIS_URL"); v != "" {
		c.Broker.RedisURL = v
	}
	if v := os.Getenv("PORTRPC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ConnectionOptions converts the connection section into connection options.
func (c Config) ConnectionOptions() []connection.Option {
	return []connection.Option{
		connection.WithConfig(connection.Config{
			AutoConnect: c.Connection.AutoConnect,
			MessageKey:  c.Connection.MessageKey,
			Debug:       c.Connection.Debug,
		}),
	}
}

func (c Config) LogLevel() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parsing log level: %w", err)
	}
	return lvl, nil
}

// Merge copies every key of each src into dst, later sources winning, and returns dst.
// It does not descend into nested maps. A nil dst is allocated.
func Merge(dst map[string]any, srcs ...map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for _, src := range srcs {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}
