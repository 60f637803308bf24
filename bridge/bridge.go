// Package bridge implements the editor's communication bridge: many browser
// clients on one side, exactly one external application on the other, with
// local methods served in between. Browser traffic rides a websocket at /ws;
// the external application attaches over the TCP link.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pipebridge/pipebridge/link"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bridge serves the client gateway and owns the external link lifecycle.
type Bridge struct {
	log *zap.SugaredLogger

	listenAddr    string
	frontendPath  string
	acceptTimeout time.Duration

	st       *connState
	registry *methodRegistry
	relay    *relay

	httpServer *http.Server

	ready     chan struct{}
	boundAddr net.Addr
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.log = b.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithListenAddr sets the address of the HTTP/gateway service.
func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

// WithFrontendPath sets the directory the built frontend assets are served
// from. Empty disables static serving.
func WithFrontendPath(s string) Option {
	return func(b *Bridge) {
		b.frontendPath = s
	}
}

// WithAcceptTimeout sets the wait window for a single accept attempt on the
// external link, both at startup and per reconnect-loop iteration.
func WithAcceptTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.acceptTimeout = d
	}
}

// New constructs a bridge whose external link listens on linkAddr.
func New(linkAddr string, opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		log:           logger.Named("bridge").Sugar(),
		listenAddr:    "127.0.0.1:5000",
		acceptTimeout: 5 * time.Second,
		ready:         make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	l := link.New(linkAddr, link.WithLogger(b.log.Desugar()))
	b.st = newConnState(l)
	b.relay = newRelay(b.log.Named("relay"), b.st)

	b.registry = newMethodRegistry(b.log.Named("registry"))
	b.registry.register("status_get", b.statusGet)
	b.registry.register("external_app_connect", b.externalAppConnect)
	b.registry.register("connected_frontends_get", b.connectedFrontendsGet)

	return b, nil
}

// Run initializes the external link, waits one accept window for the
// external application, then serves gateway traffic regardless of link
// state, so browser clients can always inspect the disconnected status.
// It returns once the bridge has stopped.
func (b *Bridge) Run() error {
	if err := b.st.link.Initialize(); err != nil {
		return fmt.Errorf("initializing external link: %w", err)
	}

	b.log.Info("connect the external application to begin")
	status, err := b.st.link.AcceptWithTimeout(b.acceptTimeout)
	if err != nil {
		b.log.Warnf("waiting for external application: %s", err)
	}
	if status == link.StatusConnected {
		b.relay.startDrain()
	} else {
		b.log.Warn("external application did not connect")
	}

	return b.runHTTPServer()
}

func (b *Bridge) runHTTPServer() error {
	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	b.boundAddr = listener.Addr()
	close(b.ready)

	router := httprouter.New()
	router.GET("/status", b.handleStatus)
	router.GET("/ws", b.handleWS)
	if b.frontendPath != "" {
		router.NotFound = http.FileServer(http.Dir(b.frontendPath))
	}

	server := http.Server{Handler: router}
	b.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound service address once the HTTP listener is up.
func (b *Bridge) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-b.ready:
		return b.boundAddr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LinkAddr returns the bound external-link address, or nil before Run has
// initialized the link.
func (b *Bridge) LinkAddr() net.Addr {
	return b.st.link.Addr()
}

// Stop raises the stop flag, drops the external link, and closes the HTTP
// server. The stop flag also aborts any reconnect loop in flight.
func (b *Bridge) Stop() error {
	b.st.stop()
	b.st.link.Disconnect()
	if b.httpServer == nil {
		return nil
	}
	return b.httpServer.Close()
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Connected bool `json:"connected"`
		Frontends int  `json:"frontends"`
	}{
		Connected: b.st.link.Connected(),
		Frontends: b.st.frontendCount(),
	}
	bts, err := json.Marshal(response)
	if err != nil {
		b.log.Debugf("error marshaling status response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(bts)
}
