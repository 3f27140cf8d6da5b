// Package agent serves Connections to remote peers over WebSocket.
//
// Every WebSocket accepted on /connect becomes a port with its own Connection and a fresh local surface.
// The agent also answers heartbeats and exposes Prometheus metrics.
package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/metrics"
	"github.com/guseggert/portrpc/port"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

var ErrNoLocal = errors.New("agent: a local surface constructor is required")

// Agent is an HTTP server that hands out Connections.
// When TLS is configured the agent requires mTLS for both traffic encryption and authz.
type Agent struct {
	logger   *zap.SugaredLogger
	zlog     *zap.Logger
	newLocal func() connection.Local
	connOpts []connection.Option
	registry *prometheus.Registry
	logLevel *zapcore.Level

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	listenAddr string

	listening  chan struct{}
	listener   net.Listener
	httpServer *http.Server

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	connsMut sync.Mutex
	conns    map[*connection.Connection]struct{}
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.zlog = l
		a.logger = l.Named("agent").Sugar()
	}
}

// WithLogLevel raises the minimum level of the agent's logger, whichever logger is configured.
func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logLevel = &l
	}
}

// WithTLS requires clients to present a certificate signed by the CA.
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(a *Agent) {
		a.caCertPEM = caCertPEM
		a.certPEM = certPEM
		a.keyPEM = keyPEM
	}
}

// WithConnectionOptions applies opts to every served Connection.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(a *Agent) {
		a.connOpts = append(a.connOpts, opts...)
	}
}

// WithRegistry serves r on /metrics. The caller is responsible for registering collectors in it.
// By default the agent uses its own registry with the portrpc collectors.
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *Agent) {
		a.registry = r
	}
}

// New constructs an agent. newLocal is called once per accepted connection.
func New(newLocal func() connection.Local, opts ...Option) (*Agent, error) {
	if newLocal == nil {
		return nil, ErrNoLocal
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		zlog:       logger,
		newLocal:   newLocal,
		listenAddr: "127.0.0.1:8080",
		listening:  make(chan struct{}),
		conns:      map[*connection.Connection]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.logLevel != nil {
		a.zlog = a.zlog.WithOptions(zap.IncreaseLevel(*a.logLevel))
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(*a.logLevel))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		metrics.Register(a.registry)
	}
	return a, nil
}

func (a *Agent) listen() (net.Listener, error) {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	if a.certPEM == nil {
		return tcpListener, nil
	}
	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	return tls.NewListener(tcpListener, tlsConfig), nil
}

// Run runs the agent and returns once it has stopped.
func (a *Agent) Run() error {
	listener, err := a.listen()
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/connect", a.connect)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	a.httpServer = &http.Server{Handler: router}
	a.listener = listener
	close(a.listening)
	a.logger.Infow("listening", "Addr", listener.Addr().String(), "TLS", a.certPEM != nil)

	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until the agent is listening and returns the listener's address.
func (a *Agent) Addr() string {
	<-a.listening
	return a.listener.Addr().String()
}

// Connections returns the number of currently served Connections.
func (a *Agent) Connections() int {
	a.connsMut.Lock()
	defer a.connsMut.Unlock()
	return len(a.conns)
}

// connect upgrades to a WebSocket and serves a Connection over it until the socket closes.
func (a *Agent) connect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("connect WebSocket accept error: %s", err)
		return
	}

	p := port.NewWebSocket(r.Context(), wsConn, a.logger)
	opts := append([]connection.Option{connection.WithLogger(a.zlog)}, a.connOpts...)
	conn, err := connection.New(p, a.newLocal(), opts...)
	if err != nil {
		a.logger.Debugf("creating connection: %s", err)
		p.Close()
		return
	}

	a.connsMut.Lock()
	a.conns[conn] = struct{}{}
	a.connsMut.Unlock()
	a.logger.Debugw("serving connection", "Remote", r.RemoteAddr)

	<-p.Done()

	a.connsMut.Lock()
	delete(a.conns, conn)
	a.connsMut.Unlock()
	conn.Close()
	a.logger.Debugw("connection closed", "Remote", r.RemoteAddr)
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
		Connections   int
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		Connections:   a.Connections(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes every served Connection and the HTTP server.
func (a *Agent) Stop() error {
	a.connsMut.Lock()
	conns := make([]*connection.Connection, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.connsMut.Unlock()
	for _, c := range conns {
		c.Close()
	}
	select {
	case <-a.listening:
		return a.httpServer.Close()
	default:
		return nil
	}
}
