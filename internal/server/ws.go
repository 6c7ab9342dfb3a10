package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/metrics"
	"github.com/orris-inc/bifrost/internal/tunnel"
)

const (
	// wsWriteTimeout bounds a single frame write to the client.
	wsWriteTimeout = 10 * time.Second
	// wsMaxMessage limits one inbound client message.
	wsMaxMessage = 1 << 20
)

// ErrBadTunnelPath is returned for WebSocket paths that do not name a target.
var ErrBadTunnelPath = errors.New("bad tunnel path")

// WSHandler bridges each WebSocket connection to one tunnel. There is no
// registry, token or buffering on this path.
type WSHandler struct {
	dialer   *tunnel.Dialer
	upgrader websocket.Upgrader
	sessions atomic.Int64

	mu      sync.Mutex
	tunnels map[*tunnel.Tunnel]struct{}
}

// NewWSHandler creates the WebSocket transport. A nil dialer means
// tunnel.DefaultDialer.
func NewWSHandler(dialer *tunnel.Dialer) *WSHandler {
	if dialer == nil {
		dialer = tunnel.DefaultDialer
	}
	return &WSHandler{
		dialer:  dialer,
		tunnels: make(map[*tunnel.Tunnel]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Sessions returns the number of open WebSocket bridges.
func (h *WSHandler) Sessions() int64 {
	return h.sessions.Load()
}

// CloseAll closes the tunnel of every open bridge, which in turn closes
// the client connections.
func (h *WSHandler) CloseAll() {
	h.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(h.tunnels))
	for t := range h.tunnels {
		tunnels = append(tunnels, t)
	}
	h.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}

func (h *WSHandler) track(t *tunnel.Tunnel) {
	h.mu.Lock()
	h.tunnels[t] = struct{}{}
	h.mu.Unlock()
	h.sessions.Add(1)
}

func (h *WSHandler) untrack(t *tunnel.Tunnel) {
	h.mu.Lock()
	delete(h.tunnels, t)
	h.mu.Unlock()
	h.sessions.Add(-1)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	if err := h.serve(conn, r.URL.Path, id); err != nil {
		logger.Info("websocket tunnel rejected", "session", id, "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
	}
}

// parseTunnelPath reads /tunnels/{protocol}/{host}/{port}.
func parseTunnelPath(path string) (tunnel.Options, error) {
	segs := strings.Split(path, "/")
	if len(segs) < 5 || segs[0] != "" || segs[1] != "tunnels" {
		return tunnel.Options{}, fmt.Errorf("%w: %q", ErrBadTunnelPath, path)
	}
	port, err := tunnel.ParsePort(segs[4])
	if err != nil {
		return tunnel.Options{}, err
	}
	return tunnel.Options{
		Protocol: tunnel.Protocol(segs[2]),
		Host:     segs[3],
		Port:     port,
	}, nil
}

// serve runs one bridge until either side closes. Rejections close the
// connection and are returned for the caller to log.
func (h *WSHandler) serve(conn *websocket.Conn, path, id string) error {
	sender := &wsSender{conn: conn}

	opts, err := parseTunnelPath(path)
	if err != nil {
		metrics.TunnelFailures.WithLabelValues(metrics.ReasonBadRequest).Inc()
		sender.close(websocket.ClosePolicyViolation, "bad tunnel path")
		return err
	}
	t, err := h.dialer.New(opts)
	if err != nil {
		metrics.TunnelFailures.WithLabelValues(failureReason(err)).Inc()
		sender.close(websocket.ClosePolicyViolation, "tunnel rejected")
		return err
	}

	h.track(t)
	defer h.untrack(t)
	metrics.TunnelsActive.WithLabelValues("ws").Inc()
	defer metrics.TunnelsActive.WithLabelValues("ws").Dec()

	logger.Debug("websocket tunnel opening", "session", id, "target", opts.String())

	sub := t.Subscribe(func(ev tunnel.Event) {
		switch ev.Kind {
		case tunnel.EventConnect:
			metrics.TunnelsCreated.WithLabelValues("ws").Inc()
		case tunnel.EventData:
			if err := sender.send(ev.Data); err != nil {
				logger.Debug("websocket send failed", "session", id, "error", err)
				t.Close()
			}
		case tunnel.EventError:
			logger.Debug("websocket tunnel error", "session", id, "target", opts.String(), "error", ev.Err)
			t.Close()
		case tunnel.EventClose:
			sender.close(websocket.CloseNormalClosure, "")
		}
	})
	defer sub.Unsubscribe()
	t.Open()

	conn.SetReadLimit(wsMaxMessage)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "session", id, "error", err)
			}
			break
		}
		if err := t.Write(data); err != nil {
			logger.Debug("websocket tunnel write dropped", "session", id, "bytes", len(data), "error", err)
		}
	}

	t.Close()
	<-t.Done()
	logger.Debug("websocket tunnel closed", "session", id, "target", opts.String())
	return nil
}

// wsSender serializes writes to a WebSocket connection.
type wsSender struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSender) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.ErrCloseSent
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// close sends a close frame and closes the connection. Only the first call
// has an effect.
func (s *wsSender) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	s.conn.Close()
}
