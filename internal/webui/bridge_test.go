package webui

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"turncast/server/internal/proto"
)

func dialBridge(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridgeMirrorsToSubscribers(t *testing.T) {
	bridge := NewBridge(nil)
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	first := dialBridge(t, server)
	second := dialBridge(t, server)
	require.Eventually(t, func() bool {
		return bridge.Subscribers() == 2
	}, time.Second, 5*time.Millisecond)

	bridge.Mirror(proto.New(proto.NameTurn, float64(7)))

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg proto.ReceivedMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		require.Equal(t, proto.NameTurn, msg.Name)
	}
}

func TestBridgeDropsDeadSubscribers(t *testing.T) {
	bridge := NewBridge(nil)
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	conn := dialBridge(t, server)
	require.Eventually(t, func() bool {
		return bridge.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return bridge.Subscribers() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBridgeClose(t *testing.T) {
	bridge := NewBridge(nil)
	server := httptest.NewServer(bridge.Handler())
	defer server.Close()

	conn := dialBridge(t, server)
	require.Eventually(t, func() bool {
		return bridge.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bridge.Close(ctx))
	require.Equal(t, 0, bridge.Subscribers())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
