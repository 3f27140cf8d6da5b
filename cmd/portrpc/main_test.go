package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guseggert/portrpc/agent"
	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/internal/demo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	err := app.Run(append([]string{"portrpc", "--log-level", "error"}, args...))
	return strings.TrimSpace(out.String()), err
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, []any{float64(1), "two", true, []any{"x"}, "{bad"}, parseArgs([]string{"1", "two", "true", `["x"]`, "{bad"}))
	assert.Empty(t, parseArgs(nil))
}

func TestCerts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	out, err := run(t, "certs", "--out", dir)
	require.NoError(t, err)
	assert.Equal(t, "wrote certs to "+dir, out)

	for _, name := range []string{agent.CACertFile, agent.ServerCertFile, agent.ServerKeyFile, agent.ClientCertFile, agent.ClientKeyFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestBrokerDemo(t *testing.T) {
	out, err := run(t, "broker-demo", "1", "2", "3")
	require.NoError(t, err)
	assert.Equal(t, "6", out)

	mr := miniredis.RunT(t)
	out, err = run(t, "broker-demo", "--redis-url", "redis://"+mr.Addr(), "--channel-prefix", "cli-test", "4", "5")
	require.NoError(t, err)
	assert.Equal(t, "9", out)
}

func TestCall(t *testing.T) {
	a, err := agent.New(func() connection.Local { return demo.New() }, agent.WithListenAddr("127.0.0.1:0"), agent.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() { a.Stop() })
	url := fmt.Sprintf("http://%s", a.Addr())

	out, err := run(t, "call", "--url", url, "echo", `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)

	out, err = run(t, "call", "--url", url, "--heartbeat-interval", "10ms", "delay", "50", `"slow"`)
	require.NoError(t, err)
	assert.Equal(t, `"slow"`, out)

	_, err = run(t, "call", "--url", url, "fail", "boom")
	assert.ErrorContains(t, err, "invoking fail: boom")

	_, err = run(t, "call", "--url", url)
	assert.EqualError(t, err, "a method name is required")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portrpc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\nbroker:\n  channel_prefix: from-file\n"), 0o600))

	out, err := run(t, "--config", path, "broker-demo", "2", "2")
	require.NoError(t, err)
	assert.Equal(t, "4", out)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "portrpc.ini"), "broker-demo")
	assert.Error(t, err)
}
