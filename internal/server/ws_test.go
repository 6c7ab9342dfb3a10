package server

import (
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/bifrost/internal/tunnel"
)

func newWSServer(t *testing.T, dialer *tunnel.Dialer) (*httptest.Server, *WSHandler) {
	t.Helper()
	h := NewWSHandler(dialer)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts, h
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func requireClosed(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "got %v", err)
		return
	}
}

func TestParseTunnelPath(t *testing.T) {
	opts, err := parseTunnelPath("/tunnels/TCP/example.com/443")
	require.NoError(t, err)
	require.Equal(t, tunnel.Options{Protocol: tunnel.TCP, Host: "example.com", Port: 443}, opts)

	opts, err = parseTunnelPath("/tunnels/UDP/8.8.8.8/53/extra")
	require.NoError(t, err)
	require.Equal(t, tunnel.UDP, opts.Protocol)

	_, err = parseTunnelPath("/sockets/TCP/example.com/443")
	require.ErrorIs(t, err, ErrBadTunnelPath)
	_, err = parseTunnelPath("/tunnels/TCP/example.com")
	require.ErrorIs(t, err, ErrBadTunnelPath)
	_, err = parseTunnelPath("/tunnels/TCP/example.com/https")
	require.ErrorIs(t, err, tunnel.ErrInvalidPort)
}

func TestWSBridgeTCP(t *testing.T) {
	b := newBackend(t)
	ts, h := newWSServer(t, loopbackDialer)

	conn := dialWS(t, ts, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", b.port()))
	backendConn := b.accept(t)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("to backend")))
	require.Equal(t, "to backend", readN(t, backendConn, 10))

	_, err := backendConn.Write([]byte("to client"))
	require.NoError(t, err)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "to client", string(data))

	backendConn.Close()
	requireClosed(t, conn, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return h.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWSBridgeUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()

	ts, _ := newWSServer(t, loopbackDialer)
	conn := dialWS(t, ts, fmt.Sprintf("/tunnels/UDP/127.0.0.1/%d", pc.LocalAddr().(*net.UDPAddr).Port))

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(msg)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, msg, string(data))
	}
}

func TestWSClientClose(t *testing.T) {
	b := newBackend(t)
	ts, h := newWSServer(t, loopbackDialer)

	conn := dialWS(t, ts, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", b.port()))
	backendConn := b.accept(t)

	conn.Close()

	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := backendConn.Read(make([]byte, 1))
	require.Error(t, err, "backend connection should be closed")
	require.Eventually(t, func() bool { return h.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWSRejected(t *testing.T) {
	ts, h := newWSServer(t, nil)

	for _, path := range []string{
		"/other/TCP/example.com/80",
		"/tunnels/TCP/127.0.0.1/80",
		"/tunnels/TCP/localhost/80",
		"/tunnels/ICMP/93.184.216.34/80",
	} {
		conn := dialWS(t, ts, path)
		requireClosed(t, conn, websocket.ClosePolicyViolation)
	}
	require.Zero(t, h.Sessions())
}

func TestWSConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ts, _ := newWSServer(t, loopbackDialer)
	conn := dialWS(t, ts, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", port))
	requireClosed(t, conn, websocket.CloseNormalClosure)
}

func TestWSCloseAll(t *testing.T) {
	b := newBackend(t)
	ts, h := newWSServer(t, loopbackDialer)

	conn := dialWS(t, ts, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", b.port()))
	b.accept(t)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	h.CloseAll()
	requireClosed(t, conn, websocket.CloseNormalClosure)
}
