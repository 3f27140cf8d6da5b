package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/port"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	certs                    *Certs
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientTLS authenticates to the agent with the client certificate in certs.
func WithClientTLS(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// HeartbeatResponse is the body returned by the agent's heartbeat endpoint.
type HeartbeatResponse struct {
	LastHeartbeat string
	Connections   int
}

// NewClient returns a client for the agent at baseURL, such as "https://127.0.0.1:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		Logger:        log.Named("agent_client"),
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{}
	if c.certs != nil {
		tlsConfig, err := ClientTLSConfig(c.certs.CA.CertPEMBytes, c.certs.Client.CertPEMBytes, c.certs.Client.KeyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) (HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HeartbeatResponse{}, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	var hb HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("decoding heartbeat: %w", err)
	}
	return hb, nil
}

// WaitForServer polls the heartbeat endpoint until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// Dial opens a WebSocket to the agent and returns a Connection exposing local, once its handshake completes.
// The Connection outlives ctx, which only bounds dialing and the handshake.
func (c *Client) Dial(ctx context.Context, local connection.Local, opts ...connection.Option) (*connection.Connection, error) {
	u := c.baseURL + "/connect"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	p := port.NewWebSocket(context.Background(), wsConn, c.Logger)
	conn, err := connection.New(p, local, opts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	if _, err := conn.Connect().Wait(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for handshake: %w", err)
	}
	return conn, nil
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				if _, err := c.SendHeartbeat(context.Background()); err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
