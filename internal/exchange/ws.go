// ws.go implements the venue WebSocket transport.
//
// One Stream maintains one connection. Payload decoding belongs to the
// owning adapter via the onMessage callback; the Stream handles only the
// connection lifecycle: auto-reconnect with exponential backoff (1s → 30s
// max), re-subscribe to all tracked streams on reconnection, keep-alive
// pings, and a read deadline (90s) so silent server failures are detected
// within ~2 missed pings.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// wsCommand is the live subscription management frame.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// Stream manages a single WebSocket connection. Subscriptions are tracked
// so they survive reconnects: Subscribe before the first connect is valid
// and is sent as the initial subscription.
type Stream struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	onMessage func(data []byte)
	nextID    atomic.Int64
	logger    *slog.Logger
}

func NewStream(wsURL string, onMessage func([]byte), logger *slog.Logger) *Stream {
	return &Stream{
		url:        wsURL,
		subscribed: make(map[string]bool),
		onMessage:  onMessage,
		logger:     logger,
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds stream names (e.g. "btcusdt@kline_5m"). When connected the
// subscription is sent immediately; otherwise it rides the next connect.
func (s *Stream) Subscribe(streams []string) error {
	s.subscribedMu.Lock()
	for _, name := range streams {
		s.subscribed[name] = true
	}
	s.subscribedMu.Unlock()

	if !s.connected() {
		return nil
	}
	return s.writeJSON(wsCommand{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     s.nextID.Add(1),
	})
}

// Unsubscribe removes stream names from the subscription.
func (s *Stream) Unsubscribe(streams []string) error {
	s.subscribedMu.Lock()
	for _, name := range streams {
		delete(s.subscribed, name)
	}
	s.subscribedMu.Unlock()

	if !s.connected() {
		return nil
	}
	return s.writeJSON(wsCommand{
		Method: "UNSUBSCRIBE",
		Params: streams,
		ID:     s.nextID.Add(1),
	})
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("websocket connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.onMessage(msg)
	}
}

func (s *Stream) sendInitialSubscription() error {
	s.subscribedMu.RLock()
	streams := make([]string, 0, len(s.subscribed))
	for name := range s.subscribed {
		streams = append(streams, name)
	}
	s.subscribedMu.RUnlock()

	if len(streams) == 0 {
		return nil
	}
	return s.writeJSON(wsCommand{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     s.nextID.Add(1),
	})
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
