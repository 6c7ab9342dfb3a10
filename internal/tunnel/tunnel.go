// Package tunnel wraps one TCP or UDP connection to a target as a duplex
// channel with lifecycle events.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/orris-inc/bifrost/internal/blacklist"
	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/metrics"
)

const (
	// bufferSize is the read buffer for stream targets.
	bufferSize = 64 * 1024
	// udpMaxPacketSize is the read buffer for datagram targets.
	udpMaxPacketSize = 65535
	// DefaultDialTimeout bounds the connecting state.
	DefaultDialTimeout = 30 * time.Second
)

// State is the lifecycle state of a tunnel.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer creates tunnels. The zero value applies no guard and no timeout.
type Dialer struct {
	// Guard reports whether a host must be refused. Nil allows every host.
	Guard func(host string) bool
	// Timeout bounds the connecting state. Zero means no limit.
	Timeout time.Duration
	// QueueSize is the write queue capacity in chunks.
	QueueSize int
	// DialContext opens the target connection. Nil means net.Dialer.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultDialer refuses blacklisted hosts.
var DefaultDialer = &Dialer{
	Guard:   blacklist.Blocked,
	Timeout: DefaultDialTimeout,
}

// New creates a tunnel with the DefaultDialer.
func New(opts Options) (*Tunnel, error) {
	return DefaultDialer.New(opts)
}

// New validates opts and returns an unopened tunnel. No socket is created
// until Open is called, so subscribers can attach without missing events.
func (d *Dialer) New(opts Options) (*Tunnel, error) {
	if d.Guard != nil && d.Guard(opts.Host) {
		return nil, fmt.Errorf("%w: %s", ErrBlacklisted, opts.Host)
	}
	if opts.Protocol != TCP && opts.Protocol != UDP {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, opts.Protocol)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		opts:     opts,
		timeout:  d.Timeout,
		dialFunc: d.DialContext,
		queue:    newWriteQueue(d.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Tunnel is one live connection to a target.
//
// Lifecycle: connecting -> connected|error -> closed. Events are emitted from
// a single goroutine in that order; EventClose is emitted exactly once.
type Tunnel struct {
	opts     Options
	timeout  time.Duration
	dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
	queue    *writeQueue
	traffic  TrafficCounter
	state    atomic.Int32

	mu           sync.Mutex
	conn         net.Conn
	subs         []*Subscription
	closeEmitted bool
	writeErr     error

	ctx       context.Context
	cancel    context.CancelFunc
	openOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Protocol returns the tunnel protocol.
func (t *Tunnel) Protocol() Protocol {
	return t.opts.Protocol
}

// Options returns the options the tunnel was created with.
func (t *Tunnel) Options() Options {
	return t.opts
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	return State(t.state.Load())
}

// Pending reports whether the tunnel has not connected yet.
func (t *Tunnel) Pending() bool {
	return t.State() == StateConnecting
}

// Traffic returns the tunnel's byte counters.
func (t *Tunnel) Traffic() *TrafficCounter {
	return &t.traffic
}

// Done is closed after EventClose has been delivered.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Subscribe registers fn for all future events. If the tunnel has already
// closed, fn receives EventClose immediately.
func (t *Tunnel) Subscribe(fn Handler) *Subscription {
	s := &Subscription{t: t, fn: fn}
	s.active.Store(true)

	t.mu.Lock()
	if t.closeEmitted {
		t.mu.Unlock()
		s.deliver(Event{Kind: EventClose})
		return s
	}
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s
}

func (t *Tunnel) removeSubscription(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = slices.DeleteFunc(t.subs, func(x *Subscription) bool { return x == s })
}

// Open starts connecting. Calling it more than once has no effect.
func (t *Tunnel) Open() {
	t.openOnce.Do(func() {
		go t.run()
	})
}

// Write queues data for the target. It never blocks and gives no delivery
// acknowledgment; data written while connecting is sent after connect.
func (t *Tunnel) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	return t.queue.push(buf)
}

// Close tears the tunnel down. It is idempotent and safe to call after the
// tunnel has closed on its own.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.queue.close()

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (t *Tunnel) emit(ev Event) {
	t.mu.Lock()
	if t.closeEmitted {
		t.mu.Unlock()
		return
	}
	if ev.Kind == EventClose {
		t.closeEmitted = true
	}
	subs := slices.Clone(t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

func (t *Tunnel) run() {
	defer close(t.done)
	defer t.finish()

	conn, err := t.dial()
	if err != nil {
		// A cancelled dial is a local Close, not a target failure.
		if t.ctx.Err() == nil {
			t.emit(Event{Kind: EventError, Err: err})
		}
		return
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.state.Store(int32(StateConnected))
	t.emit(Event{Kind: EventConnect})

	go t.writeLoop(conn)

	err = t.readLoop(conn)
	conn.Close()

	t.mu.Lock()
	if t.writeErr != nil {
		err = t.writeErr
	}
	t.mu.Unlock()

	if err != nil && t.ctx.Err() == nil {
		t.emit(Event{Kind: EventError, Err: err})
	}
}

func (t *Tunnel) dial() (net.Conn, error) {
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	network := "tcp"
	if t.opts.Protocol == UDP {
		network = "udp4"
		if addr, err := netip.ParseAddr(t.opts.Host); err == nil && addr.Is6() {
			network = "udp6"
		}
	}

	dial := t.dialFunc
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, network, t.opts.Target())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.opts, err)
	}
	return conn, nil
}

func (t *Tunnel) readLoop(conn net.Conn) error {
	size := bufferSize
	if t.opts.Protocol == UDP {
		size = udpMaxPacketSize
	}
	buf := make([]byte, size)

	for {
		n, err := conn.Read(buf)
		// Empty datagrams are still messages.
		if n > 0 || (err == nil && t.opts.Protocol == UDP) {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.traffic.AddDownload(int64(n))
			t.emit(Event{Kind: EventData, Data: chunk})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (t *Tunnel) writeLoop(conn net.Conn) {
	var err error
	if t.opts.Protocol == UDP {
		err = t.queue.datagramLoop(conn, t.traffic.AddUpload)
	} else {
		err = t.queue.streamLoop(conn, t.traffic.AddUpload)
	}
	if err == nil || t.ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
	// Unblocks the read loop, which reports the error and closes.
	conn.Close()
}

func (t *Tunnel) finish() {
	t.state.Store(int32(StateClosed))
	t.cancel()
	t.queue.close()

	up, down := t.traffic.Upload(), t.traffic.Download()
	metrics.TunnelBytes.WithLabelValues("upload").Add(float64(up))
	metrics.TunnelBytes.WithLabelValues("download").Add(float64(down))
	logger.Debug("tunnel closed",
		"target", t.opts.String(),
		"sent", sizestr.ToString(up),
		"received", sizestr.ToString(down))

	t.emit(Event{Kind: EventClose})
}
