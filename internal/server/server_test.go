package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/bifrost/internal/config"
	"github.com/orris-inc/bifrost/internal/status"
)

func localListen() *config.Listen {
	return &config.Listen{Host: "127.0.0.1", Port: 0}
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s := New(cfg, WithDialer(loopbackDialer), WithEventKeepalive(20*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s
}

func wsURL(addr net.Addr, path string) string {
	return "ws://" + addr.String() + path
}

func TestServerShared(t *testing.T) {
	b := newBackend(t)
	cfg := config.DefaultConfig()
	cfg.HTTP = localListen()
	cfg.WS = config.WSConfig{Mode: config.WSShared}
	cfg.Metrics = localListen()
	s := startServer(t, cfg)

	httpAddr := s.Addr(ListenerHTTP)
	require.NotNil(t, httpAddr)
	require.Nil(t, s.Addr(ListenerWS))
	require.NotNil(t, s.Addr(ListenerMetrics))

	// Plain requests reach the HTTP transport.
	resp, err := http.Post("http://"+httpAddr.String()+"/tunnels", "application/json",
		strings.NewReader(fmt.Sprintf(`{"protocol":"TCP","host":"127.0.0.1","port":%d}`, b.port())))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	b.accept(t)

	// Upgrades on the same port reach the WebSocket transport.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpAddr, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", b.port())), nil)
	require.NoError(t, err)
	defer conn.Close()
	b.echo(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("echo")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "echo", string(data))

	metricsBase := "http://" + s.Addr(ListenerMetrics).String()

	resp, err = http.Get(metricsBase + "/status")
	require.NoError(t, err)
	var st status.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.Equal(t, 1, st.Registry.Tunnels)
	require.EqualValues(t, 1, st.WSSessions)

	resp, err = http.Get(metricsBase + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Contains(t, string(body), "bifrost_tunnels_created_total")

	resp, err = http.Get(metricsBase + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStandaloneWS(t *testing.T) {
	b := newBackend(t)
	cfg := config.DefaultConfig()
	cfg.WS = config.WSConfig{Mode: config.WSStandalone, Listen: *localListen()}
	s := startServer(t, cfg)

	require.Nil(t, s.Addr(ListenerHTTP))
	wsAddr := s.Addr(ListenerWS)
	require.NotNil(t, wsAddr)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(wsAddr, fmt.Sprintf("/tunnels/TCP/127.0.0.1/%d", b.port())), nil)
	require.NoError(t, err)
	defer conn.Close()
	b.accept(t)

	require.NoError(t, s.Stop())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Nil(t, s.Addr(ListenerWS))
}

func TestServerBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	cfg := config.DefaultConfig()
	cfg.HTTP = localListen()
	cfg.WS = config.WSConfig{Mode: config.WSStandalone, Listen: config.Listen{Host: "127.0.0.1", Port: port}}

	s := New(cfg)
	err = s.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen ws")
	require.Nil(t, s.Addr(ListenerHTTP))
}

func TestServerStopClosesTunnels(t *testing.T) {
	b := newBackend(t)
	cfg := config.DefaultConfig()
	cfg.HTTP = localListen()
	s := startServer(t, cfg)

	resp, err := http.Post("http://"+s.Addr(ListenerHTTP).String()+"/tunnels", "application/json",
		strings.NewReader(fmt.Sprintf(`{"protocol":"TCP","host":"127.0.0.1","port":%d}`, b.port())))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	backendConn := b.accept(t)

	require.NoError(t, s.Stop())

	backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = backendConn.Read(make([]byte, 1))
	require.Error(t, err)
	require.Eventually(t, func() bool { return s.Registry().Stats().Tunnels == 0 }, time.Second, 5*time.Millisecond)
}
