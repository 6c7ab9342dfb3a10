package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/metrics"
	"github.com/orris-inc/bifrost/internal/registry"
	"github.com/orris-inc/bifrost/internal/tunnel"
)

const (
	// TunnelsPath is the root of the tunnel resource space.
	TunnelsPath = "/tunnels"
	// eventMarker selects the event stream of a tunnel.
	eventMarker = "event"
	// maxCreateBody limits the JSON body of a create request.
	maxCreateBody = 64 * 1024
	// DefaultKeepalive is the idle ping interval of event streams.
	DefaultKeepalive = time.Second
	// eventQueueSize bounds data notifications waiting to be written.
	eventQueueSize = 64
	// tunnelMethods are the methods allowed on a tunnel resource.
	tunnelMethods = "GET, POST, DELETE, OPTIONS"
)

// Event-stream frames.
const (
	frameData  = "data: data\n\n"
	frameClose = "event: close\ndata: close\n\n"
	framePing  = "event: ping\ndata: ping\n\n"
)

//go:embed landing.html
var landingPage []byte

// createResponse is the body of a successful POST /tunnels.
type createResponse struct {
	Location string `json:"location"`
	Token    string `json:"token"`
}

// HTTPHandler serves tunnels over plain HTTP: create, poll-read, event
// stream, write and delete. All state lives in the registry.
type HTTPHandler struct {
	reg       *registry.Registry
	limiter   *createLimiter
	keepalive time.Duration
}

// HTTPOption configures HTTPHandler.
type HTTPOption func(*HTTPHandler)

// WithCreateRate limits tunnel creations per second per client IP.
func WithCreateRate(perSecond float64) HTTPOption {
	return func(h *HTTPHandler) {
		if perSecond > 0 {
			h.limiter = newCreateLimiter(perSecond)
		}
	}
}

// WithKeepalive sets the event-stream ping interval.
func WithKeepalive(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) {
		h.keepalive = d
	}
}

// NewHTTPHandler creates the HTTP transport for reg.
func NewHTTPHandler(reg *registry.Registry, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		reg:       reg,
		keepalive: DefaultKeepalive,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == TunnelsPath {
		h.handleCreate(w, r)
		return
	}

	if rest, ok := strings.CutPrefix(path, TunnelsPath+"/"); ok {
		key, marker, _ := strings.Cut(rest, "/")
		if marker == "" || marker == eventMarker {
			setCORS(w, tunnelMethods)
			token := r.URL.Query().Get("token")
			// Pending and unauthorized look the same so a connecting
			// tunnel does not reveal its existence.
			if h.reg.Pending(key) || !h.reg.Verify(key, token) {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.handleTunnel(w, r, key, marker == eventMarker)
			return
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(landingPage)
}

func setCORS(w http.ResponseWriter, methods string) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", methods)
	hdr.Set("Access-Control-Allow-Headers", "Content-Type")
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method != http.MethodPost {
		return
	}

	remote := clientIP(r)
	if h.limiter != nil && !h.limiter.allow(remote) {
		metrics.TunnelFailures.WithLabelValues(metrics.ReasonRateLimited).Inc()
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	var opts tunnel.Options
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&opts); err != nil {
		metrics.TunnelFailures.WithLabelValues(metrics.ReasonBadRequest).Inc()
		logger.Debug("bad create request", "remote", remote, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	key, err := h.reg.Insert(r.Context(), opts)
	if err != nil {
		reason := failureReason(err)
		metrics.TunnelFailures.WithLabelValues(reason).Inc()
		logger.Info("tunnel create failed", "remote", remote, "target", opts.String(), "reason", reason, "error", err)
		// Every cause except overload shares one status.
		if errors.Is(err, registry.ErrOverload) {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusGatewayTimeout)
		}
		return
	}

	token := h.reg.Token(key)
	if key == "" || token == "" {
		logger.Error("tunnel created without key or token", "remote", remote, "target", opts.String())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	logger.Info("tunnel created", "remote", remote, "target", opts.String(), "key", shortKey(key))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createResponse{
		Location: TunnelsPath + "/" + key,
		Token:    token,
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrOverload):
		return metrics.ReasonOverload
	case errors.Is(err, tunnel.ErrBlacklisted):
		return metrics.ReasonBlacklisted
	case errors.Is(err, tunnel.ErrUnsupportedProtocol):
		return metrics.ReasonUnsupportedProtocol
	default:
		return metrics.ReasonConnect
	}
}

func (h *HTTPHandler) handleTunnel(w http.ResponseWriter, r *http.Request, key string, event bool) {
	switch r.Method {
	case http.MethodOptions:
	case http.MethodDelete:
		h.reg.Delete(key)
		logger.Info("tunnel deleted", "key", shortKey(key))
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		if event {
			h.serveEvents(w, r, key)
		} else {
			h.servePoll(w, key)
		}
	case http.MethodPost:
		h.serveWrite(w, r, key)
	default:
		w.Header().Set("Allow", tunnelMethods)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// servePoll writes all buffered chunks as the body. The payload is raw
// bytes; the JSON content type is kept for existing clients.
func (h *HTTPHandler) servePoll(w http.ResponseWriter, key string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, chunk := range h.reg.Read(key) {
		if _, err := w.Write(chunk); err != nil {
			logger.Debug("poll write failed", "key", shortKey(key), "error", err)
			return
		}
	}
}

// serveEvents notifies the client whenever data is buffered, until the
// tunnel closes or the client goes away.
func (h *HTTPHandler) serveEvents(w http.ResponseWriter, r *http.Request, key string) {
	rc := http.NewResponseController(w)
	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(frame string) bool {
		if _, err := io.WriteString(w, frame); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	// Subscribe before looking at the buffer so a chunk arriving in between
	// still produces a notification.
	dataCh := make(chan struct{}, eventQueueSize)
	closed := make(chan struct{})
	var closeOnce sync.Once
	sub, err := h.reg.Subscribe(key, func(ev tunnel.Event) {
		switch ev.Kind {
		case tunnel.EventData:
			select {
			case dataCh <- struct{}{}:
			default:
				// A notification is already waiting.
			}
		case tunnel.EventClose:
			closeOnce.Do(func() { close(closed) })
		}
	})
	if err != nil {
		send(frameClose)
		return
	}
	defer sub.Unsubscribe()

	if !h.reg.Empty(key) && !send(frameData) {
		return
	}
	if h.reg.Closed(key) {
		send(frameClose)
		return
	}

	metrics.EventStreams.Inc()
	defer metrics.EventStreams.Dec()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	if rc.Flush() != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-dataCh:
			if !send(frameData) {
				return
			}
		case <-closed:
			select {
			case <-dataCh:
				if !send(frameData) {
					return
				}
			default:
			}
			send(frameClose)
			return
		case <-ticker.C:
			if !send(framePing) {
				return
			}
		}
	}
}

// serveWrite streams the request body into the tunnel as it arrives.
func (h *HTTPHandler) serveWrite(w http.ResponseWriter, r *http.Request, key string) {
	n, err := io.Copy(&tunnelWriter{reg: h.reg, key: key}, r.Body)
	if err != nil {
		logger.Debug("tunnel write body ended early", "key", shortKey(key), "written", n, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// tunnelWriter forwards writes to a registry tunnel. Delivery is not
// acknowledged, so tunnel errors are logged and never stop the copy.
type tunnelWriter struct {
	reg *registry.Registry
	key string
}

func (tw *tunnelWriter) Write(p []byte) (int, error) {
	if err := tw.reg.Write(tw.key, p); err != nil {
		logger.Debug("tunnel write dropped", "key", shortKey(tw.key), "bytes", len(p), "error", err)
	}
	return len(p), nil
}

// shortKey abbreviates a key for logs.
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
