// Package gateway is the HTTP front door: it authenticates requests, hands
// them to the peer through the correlator and writes back the peer's answer.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/turtacn/tabbridge/internal/correlator"
	"github.com/turtacn/tabbridge/internal/monitor"
	"github.com/turtacn/tabbridge/internal/resource"
	"github.com/turtacn/tabbridge/pkg/consts"
	pkgerrors "github.com/turtacn/tabbridge/pkg/errors"
	"github.com/turtacn/tabbridge/pkg/logger"
	"github.com/turtacn/tabbridge/pkg/protocol"
)

// ConfigSource supplies the live config; the token is checked per request.
type ConfigSource interface {
	Current() protocol.Config
}

type Options struct {
	Host         string // defaults to 127.0.0.1
	DrainTimeout time.Duration
	Sockets      *resource.SocketManager
	Logger       logger.Logger
}

type Server struct {
	corr    *correlator.Correlator
	peer    correlator.Sender
	cfg     ConfigSource
	sockets *resource.SocketManager
	host    string
	drain   time.Duration
	log     logger.Logger
	handler http.Handler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	port int

	draining sync.WaitGroup
}

func New(corr *correlator.Correlator, peer correlator.Sender, cfg ConfigSource, opts Options) *Server {
	if opts.Host == "" {
		opts.Host = consts.ListenHost
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = consts.DefaultDrainTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	if opts.Sockets == nil {
		opts.Sockets = resource.NewSocketManager(opts.Logger)
	}
	s := &Server{
		corr:    corr,
		peer:    peer,
		cfg:     cfg,
		sockets: opts.Sockets,
		host:    opts.Host,
		drain:   opts.DrainTimeout,
		log:     opts.Logger.With("component", "gateway"),
	}
	s.handler = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds host:port and begins serving. A bind failure is returned as an
// ErrBind error.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return pkgerrors.New(pkgerrors.ErrCodeBind, "gateway.Start", "server already running on "+s.ln.Addr().String(), nil)
	}
	ln, err := s.sockets.EnsureListener(s.addr(port))
	if err != nil {
		return err
	}
	s.serveLocked(ln, port)
	if s.cfg.Current().AuthEnabled() {
		s.log.Info("API token authentication is enabled")
	}
	return nil
}

// Restart moves the server to port. The new port is bound before anything
// else happens, so a bind failure leaves the old server untouched. The old
// listener is closed once the new one serves; requests already in flight on
// it are drained in the background, bounded by the drain timeout.
func (s *Server) Restart(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return pkgerrors.New(pkgerrors.ErrCodeBind, "gateway.Restart", "server is not running", nil)
	}
	if port == s.port && port != 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ln, err := s.sockets.EnsureListener(s.addr(port))
	if err != nil {
		monitor.RestartTotal.WithLabelValues("bind_failed").Inc()
		s.log.Error("Restart failed, keeping current listener", "port", port, "err", err)
		return err
	}

	oldSrv, oldAddr := s.srv, s.ln.Addr().String()
	s.serveLocked(ln, port)
	s.sockets.Release(oldAddr)

	s.draining.Add(1)
	go func() {
		defer s.draining.Done()
		s.shutdown(oldSrv, oldAddr)
	}()

	monitor.RestartTotal.WithLabelValues("ok").Inc()
	s.log.Info("Server moved", "from", oldAddr, "to", ln.Addr().String())
	return nil
}

// Shutdown stops accepting, drains in-flight requests and waits for any
// earlier restart drains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.srv, s.ln, s.port = nil, nil, 0
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if err != nil && errors.Is(err, net.ErrClosed) {
			err = nil
		}
		s.sockets.Release(ln.Addr().String())
		s.log.Info("Server stopped")
	}

	done := make(chan struct{})
	go func() {
		s.draining.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) addr(port int) string {
	return net.JoinHostPort(s.host, strconv.Itoa(port))
}

func (s *Server) serveLocked(ln net.Listener, port int) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv, s.ln, s.port = srv, ln, port
	s.log.Info("HTTP server listening", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.log.Error("HTTP server error", "addr", ln.Addr().String(), "err", err)
		}
	}()
}

func (s *Server) shutdown(srv *http.Server, addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("Drain did not finish, closing remaining connections", "addr", addr, "err", err)
		_ = srv.Close()
		return
	}
	s.log.Info("Old listener drained", "addr", addr)
}

// Personal.AI order the ending
