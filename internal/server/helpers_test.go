package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orris-inc/bifrost/internal/tunnel"
)

// loopbackDialer allows private targets so tests can use local backends.
var loopbackDialer = &tunnel.Dialer{Timeout: 5 * time.Second}

// gatedDial holds every dial until release is closed.
func gatedDial(release <-chan struct{}) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
}

type backend struct {
	ln    net.Listener
	conns chan net.Conn
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &backend{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *backend) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *backend) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-b.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("backend accept timed out")
		return nil
	}
}

// echo copies everything the next accepted connection sends back to it.
func (b *backend) echo(t *testing.T) {
	t.Helper()
	c := b.accept(t)
	go io.Copy(c, c)
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	buf := make([]byte, n)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}
