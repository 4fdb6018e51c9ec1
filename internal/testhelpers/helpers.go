// Package testhelpers provides common utilities for testing the room chat
// server: starting an acceptor on a loopback port and driving WebSocket
// clients through the room protocol.
package testhelpers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/server"
)

// DefaultTimeout bounds every blocking read performed by the helpers.
const DefaultTimeout = 3 * time.Second

// TestServer is a running Acceptor bound to a loopback port.
type TestServer struct {
	Acceptor *server.Acceptor
	Registry *server.Registry
	Metrics  *server.Metrics
	Config   config.Config
	// BaseURL is the http:// address of the server, WSURL the /ws endpoint.
	BaseURL string
	WSURL   string
}

// StartServer starts an Acceptor on 127.0.0.1 with an ephemeral port. The
// customize hook may adjust the configuration before start. The acceptor is
// stopped when the test ends.
func StartServer(t *testing.T, customize func(cfg *config.Config)) *TestServer {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	if customize != nil {
		customize(&cfg)
	}

	registry := server.NewRegistry()
	metrics := server.NewMetrics(registry)
	acceptor := server.NewAcceptor(cfg, registry, zerolog.Nop(), metrics)
	require.NoError(t, acceptor.Start())
	t.Cleanup(func() {
		_ = acceptor.Stop()
	})

	addr := acceptor.Addr().String()
	return &TestServer{
		Acceptor: acceptor,
		Registry: registry,
		Metrics:  metrics,
		Config:   cfg,
		BaseURL:  "http://" + addr,
		WSURL:    "ws://" + addr + "/ws",
	}
}

// ConnectWebSocket dials url. A non-empty origin is sent as the Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects to url and reads the room listing pushed after the handshake.
func Dial(t *testing.T, url string) (*websocket.Conn, server.RoomListing) {
	t.Helper()

	conn, _, err := ConnectWebSocket(url, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, ReadRoomListing(t, conn)
}

// ReadRoomListing reads and decodes one {"rooms": [...]} message.
func ReadRoomListing(t *testing.T, conn *websocket.Conn) server.RoomListing {
	t.Helper()

	raw := ReadText(t, conn)
	var listing server.RoomListing
	require.NoError(t, json.Unmarshal([]byte(raw), &listing), "room listing payload %q", raw)
	return listing
}

// SendCommand writes a RoomCommand as JSON.
func SendCommand(t *testing.T, conn *websocket.Conn, operation, room, user string) {
	t.Helper()

	cmd := server.RoomCommand{Operation: operation, RoomName: room, UserName: user}
	require.NoError(t, conn.WriteJSON(cmd))
}

// Enter dials url, reads the room listing and sends a create or join command.
func Enter(t *testing.T, url, operation, room, user string) *websocket.Conn {
	t.Helper()

	conn, _ := Dial(t, url)
	SendCommand(t, conn, operation, room, user)
	return conn
}

// SendText writes one chat message.
func SendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

// ReadText reads the next data frame within DefaultTimeout.
func ReadText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// ExpectClose reads until the server closes the connection and returns the
// close frame it sent.
func ExpectClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) *websocket.CloseError {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

// ExpectNoMessage asserts that nothing arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "expected no message, got %q", string(data))

	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected error while waiting: %v", err)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MetricValue returns the current value of the unlabelled counter or gauge
// name gathered from m.
func MetricValue(t *testing.T, m *server.Metrics, name string) float64 {
	t.Helper()

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		metric := family.GetMetric()[0]
		if c := metric.GetCounter(); c != nil {
			return c.GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
