// Package registry owns the tunnels created over the HTTP transport.
//
// Each entry is addressed by a public key and guarded by a secret token.
// Data received from the target is buffered in the entry until a client
// drains it with Read, so clients can poll on their own schedule.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/metrics"
	"github.com/orris-inc/bifrost/internal/tunnel"
)

const (
	// idBytes is the size of keys and tokens before hex encoding (256 bits).
	idBytes = 32
	// keyRetries is how many extra keys are drawn after a collision.
	keyRetries = 4
	// DefaultGracePeriod keeps a closed entry with unread data reachable.
	DefaultGracePeriod = 100 * time.Millisecond
)

var (
	// ErrOverload is returned when no unused key could be generated.
	ErrOverload = errors.New("tunnel registry overloaded")
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("tunnel not found")
	// ErrConnectAborted is returned when the tunnel closed before connecting.
	ErrConnectAborted = errors.New("tunnel closed before connecting")
)

// entry is the registry's record of one tunnel. All fields except tunnel
// are guarded by Registry.mu.
type entry struct {
	token   string
	tunnel  *tunnel.Tunnel
	pending bool
	buffer  [][]byte
	closed  bool
}

// Registry maps keys to tunnels.
type Registry struct {
	dialer *tunnel.Dialer
	rand   io.Reader
	grace  time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures Registry.
type Option func(*Registry)

// WithDialer sets the dialer used to create tunnels.
func WithDialer(d *tunnel.Dialer) Option {
	return func(r *Registry) {
		r.dialer = d
	}
}

// WithRandom sets the source for keys and tokens.
func WithRandom(rd io.Reader) Option {
	return func(r *Registry) {
		r.rand = rd
	}
}

// WithGracePeriod sets how long a closed entry with unread data survives.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		r.grace = d
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		dialer:  tunnel.DefaultDialer,
		rand:    rand.Reader,
		grace:   DefaultGracePeriod,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) randomID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := io.ReadFull(r.rand, b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Insert creates a tunnel for opts and waits until it connects. It returns
// the new key, or the construction error, the connect error, or ctx's error.
// Data received before Insert returns is kept in the entry's buffer.
func (r *Registry) Insert(ctx context.Context, opts tunnel.Options) (string, error) {
	r.mu.Lock()
	key, err := r.unusedKeyLocked()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	token, err := r.randomID()
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	t, err := r.dialer.New(opts)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	e := &entry{token: token, tunnel: t, pending: true}
	r.entries[key] = e
	r.mu.Unlock()

	// Settled exactly once by whichever of connect, error or close fires first.
	result := make(chan error, 1)
	var settle sync.Once
	t.Subscribe(func(ev tunnel.Event) {
		switch ev.Kind {
		case tunnel.EventConnect:
			r.mu.Lock()
			e.pending = false
			r.mu.Unlock()
			metrics.TunnelsCreated.WithLabelValues("http").Inc()
			settle.Do(func() { result <- nil })
		case tunnel.EventData:
			r.mu.Lock()
			e.buffer = append(e.buffer, ev.Data)
			r.mu.Unlock()
		case tunnel.EventError:
			settle.Do(func() { result <- ev.Err })
		case tunnel.EventClose:
			settle.Do(func() { result <- ErrConnectAborted })
			r.onClose(key, t)
		}
	})
	metrics.TunnelsActive.WithLabelValues("http").Inc()
	t.Open()

	select {
	case err := <-result:
		if err != nil {
			return "", err
		}
		return key, nil
	case <-ctx.Done():
		r.Delete(key)
		return "", ctx.Err()
	}
}

func (r *Registry) unusedKeyLocked() (string, error) {
	for i := 0; i <= keyRetries; i++ {
		key, err := r.randomID()
		if err != nil {
			return "", err
		}
		if _, exists := r.entries[key]; !exists {
			return key, nil
		}
	}
	return "", ErrOverload
}

// onClose applies the eviction policy: an entry with an empty buffer goes
// at once, otherwise it stays readable for the grace period.
func (r *Registry) onClose(key string, t *tunnel.Tunnel) {
	metrics.TunnelsActive.WithLabelValues("http").Dec()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.tunnel != t {
		return
	}
	if len(e.buffer) == 0 {
		delete(r.entries, key)
		return
	}

	e.closed = true
	logger.Debug("tunnel closed with unread data", "key", key, "chunks", len(e.buffer))
	time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[key]; ok && cur.tunnel == t {
			delete(r.entries, key)
		}
	})
}

// Token returns the secret token of key, or "" if key is absent.
func (r *Registry) Token(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.token
	}
	return ""
}

// Verify reports whether token grants access to key.
//
// The comparison is a plain string equality and not constant time.
func (r *Registry) Verify(key, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return ok && e.token == token
}

// Read returns and clears the buffered chunks of key in arrival order. A
// read that drains a closed entry also evicts it.
func (r *Registry) Read(key string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	chunks := e.buffer
	e.buffer = nil
	if e.closed {
		delete(r.entries, key)
	}
	return chunks
}

// Write forwards data to the tunnel of key. It is a no-op for absent keys.
func (r *Registry) Write(key string, data []byte) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return e.tunnel.Write(data)
}

// Pending reports whether key has not connected yet. Absent keys are pending.
func (r *Registry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return !ok || e.pending
}

// Empty reports whether key has no buffered data. Absent keys are empty.
func (r *Registry) Empty(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return !ok || len(e.buffer) == 0
}

// Closed reports whether key's tunnel has closed. Absent keys are closed.
func (r *Registry) Closed(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	return !ok || e.closed
}

// Delete closes the tunnel of key and evicts it regardless of unread data.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if ok {
		e.tunnel.Close()
	}
}

// Subscribe attaches fn to the tunnel events of key. The returned
// subscription must be released with Unsubscribe.
func (r *Registry) Subscribe(key string, fn tunnel.Handler) (*tunnel.Subscription, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return e.tunnel.Subscribe(fn), nil
}

// Stats is a snapshot of registry occupancy.
type Stats struct {
	Tunnels  int `json:"tunnels"`
	Pending  int `json:"pending"`
	Closing  int `json:"closing"`
	Buffered int `json:"buffered_chunks"`
}

// Stats returns current occupancy counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Tunnels: len(r.entries)}
	for _, e := range r.entries {
		if e.pending {
			st.Pending++
		}
		if e.closed {
			st.Closing++
		}
		st.Buffered += len(e.buffer)
	}
	return st
}

// CloseAll closes every tunnel. Entries are evicted by the close policy.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(r.entries))
	for _, e := range r.entries {
		tunnels = append(tunnels, e.tunnel)
	}
	r.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}
