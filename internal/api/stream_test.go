package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

// dialTestServer stands up the real route table with a running hub and dials
// its /ws endpoint.
func dialTestServer(t *testing.T, p StateProvider) (*Server, *websocket.Conn, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	srv := NewServer(config.APIConfig{ListenAddr: "127.0.0.1:0"}, p, nil, nil, testLogger())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return srv, conn, cancel
}

func TestWebSocketGreetsAndStreams(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		state: "running",
		pnl:   PnLSummary{Date: "2025-06-02", RealizedPnL: 12.5},
	}
	srv, conn, cancel := dialTestServer(t, p)
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// The server greets every new client with the current P&L.
	var greeting StreamEvent
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting.Channel != ChannelPnLUpdate {
		t.Fatalf("greeting channel = %q, want %q", greeting.Channel, ChannelPnLUpdate)
	}

	srv.hub.BroadcastEvent(StreamEvent{
		Channel:   ChannelCandleUpdate,
		Timestamp: time.Now().UTC(),
		Data:      types.Candle{Time: 60, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 3},
	})

	var evt struct {
		Channel   string          `json:"channel"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if evt.Channel != ChannelCandleUpdate {
		t.Errorf("channel = %q, want %q", evt.Channel, ChannelCandleUpdate)
	}
	if evt.Timestamp.IsZero() {
		t.Error("broadcast carried a zero timestamp")
	}
	var candle types.Candle
	if err := json.Unmarshal(evt.Data, &candle); err != nil {
		t.Fatalf("decode candle payload: %v", err)
	}
	if candle.Close != 1.5 || candle.Time != 60 {
		t.Errorf("candle = %+v, want close 1.5 at 60", candle)
	}
}

func TestWebSocketHubShutdownClosesClients(t *testing.T) {
	t.Parallel()

	_, conn, cancel := dialTestServer(t, &fakeProvider{state: "running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Drain the greeting so we know the client is registered.
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	cancel()

	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("read succeeded after hub shutdown, want close")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("hub shutdown did not close the connection")
	}
}
