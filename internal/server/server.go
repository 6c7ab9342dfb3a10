// Package server exposes tunnels to browsers over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/orris-inc/bifrost/internal/blacklist"
	"github.com/orris-inc/bifrost/internal/config"
	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/registry"
	"github.com/orris-inc/bifrost/internal/status"
	"github.com/orris-inc/bifrost/internal/tunnel"
)

// Listener names accepted by Addr.
const (
	ListenerHTTP    = "http"
	ListenerWS      = "ws"
	ListenerMetrics = "metrics"
)

const shutdownTimeout = 5 * time.Second

// Server runs the configured listeners.
type Server struct {
	cfg       *config.Config
	dialer    *tunnel.Dialer
	reg       *registry.Registry
	httpH     *HTTPHandler
	wsH       *WSHandler
	collector *status.Collector
	keepalive time.Duration

	mu        sync.Mutex
	listeners map[string]net.Listener
	servers   []*http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures Server.
type Option func(*Server)

// WithDialer replaces the dialer built from the configuration.
func WithDialer(d *tunnel.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// WithEventKeepalive sets the event-stream ping interval.
func WithEventKeepalive(d time.Duration) Option {
	return func(s *Server) {
		s.keepalive = d
	}
}

// New creates a server for cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg: cfg,
		dialer: &tunnel.Dialer{
			Guard:   blacklist.Blocked,
			Timeout: time.Duration(cfg.DialTimeout),
		},
		keepalive: DefaultKeepalive,
		listeners: make(map[string]net.Listener),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reg = registry.New(registry.WithDialer(s.dialer))
	s.httpH = NewHTTPHandler(s.reg,
		WithCreateRate(cfg.CreateRate),
		WithKeepalive(s.keepalive))
	s.wsH = NewWSHandler(s.dialer)
	s.collector = status.NewCollector(s.reg, s.wsH.Sessions)
	return s
}

// Registry returns the registry behind the HTTP transport.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Start binds every configured listener and serves them in the background.
// If any bind fails, nothing is left listening.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	type binding struct {
		name    string
		addr    string
		handler http.Handler
	}
	var bindings []binding

	if s.cfg.HTTP != nil {
		var h http.Handler = s.httpH
		if s.cfg.WS.Mode == config.WSShared {
			h = upgradeSplit(s.wsH, h)
		}
		bindings = append(bindings, binding{ListenerHTTP, s.cfg.HTTP.Addr(), s.withAccessLog(h)})
	}
	if s.cfg.WS.Mode == config.WSStandalone {
		bindings = append(bindings, binding{ListenerWS, s.cfg.WS.Listen.Addr(), s.wsH})
	}
	if s.cfg.Metrics != nil {
		bindings = append(bindings, binding{ListenerMetrics, s.cfg.Metrics.Addr(), newAdminMux(s.collector)})
	}

	bound := make([]net.Listener, 0, len(bindings))
	for _, b := range bindings {
		ln, err := net.Listen("tcp", b.addr)
		if err != nil {
			for _, l := range bound {
				l.Close()
			}
			s.cancel()
			return fmt.Errorf("listen %s on %s: %w", b.name, b.addr, err)
		}
		bound = append(bound, ln)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range bindings {
		ln := bound[i]
		srv := &http.Server{
			Handler:           b.handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return s.ctx },
		}
		s.listeners[b.name] = ln
		s.servers = append(s.servers, srv)

		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			logger.Info("listener started", "name", name, "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("listener error", "name", name, "error", err)
			}
		}(b.name)
	}
	return nil
}

// Addr returns the bound address of a listener, or nil if it is not running.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ln, ok := s.listeners[name]; ok {
		return ln.Addr()
	}
	return nil
}

// Stop closes all tunnels and shuts the listeners down.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wsH.CloseAll()
	s.reg.CloseAll()

	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.listeners = make(map[string]net.Listener)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()
	logger.Info("server stopped")
	return errors.Join(errs...)
}

// upgradeSplit sends WebSocket upgrades to ws and everything else to h.
func upgradeSplit(ws, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// withAccessLog logs short-lived requests in debug mode. Upgrades and event
// streams bypass the log wrapper since they need the raw response writer.
func (s *Server) withAccessLog(h http.Handler) http.Handler {
	if !logger.IsDebug() {
		return h
	}
	logged := requestlog.Wrap(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) || strings.HasSuffix(r.URL.Path, "/"+eventMarker) {
			h.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}
