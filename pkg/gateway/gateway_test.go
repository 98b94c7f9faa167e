package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T) (*Server, int) {
	t.Helper()
	port := freePort(t)
	s, err := NewServer(Config{Port: port, SharedSecret: "secret"})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	// Wait for the listener to come up.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	return s, port
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 0, SharedSecret: "x"})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 9999, SharedSecret: ""})
	assert.Error(t, err)
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, port := startServer(t)

	url := fmt.Sprintf("ws://127.0.0.1:%d/events?token=wrong", port)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
	}
}

func TestServer_BroadcastReachesClient(t *testing.T) {
	s, port := startServer(t)

	url := fmt.Sprintf("ws://127.0.0.1:%d/events?token=secret", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	s.Broadcast("turn.completed", "tg:1", map[string]interface{}{"duration_ms": 1200})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "turn.completed", msg.Event)
	assert.Equal(t, "tg:1", msg.Key)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestServer_DisconnectedClientIsDropped(t *testing.T) {
	s, port := startServer(t)

	url := fmt.Sprintf("ws://127.0.0.1:%d/events?token=secret", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return s.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}
