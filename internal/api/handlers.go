package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wolfinch/internal/risk"
	"wolfinch/internal/store"
	"wolfinch/pkg/types"
)

// isOriginAllowed decides whether a WebSocket upgrade may proceed. With an
// allowlist configured only listed origins (or "*") pass; without one,
// same-host and localhost origins pass. Non-browser clients send no Origin
// header and are always allowed.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(provider StateProvider, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), allowedOrigins, r.Host)
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth reports engine state, market count, sink health, and the
// risk block latch in one probe-friendly response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.provider.State()
	status := "ok"
	if state != "running" {
		status = state
	}
	h.writeJSON(w, http.StatusOK, Health{
		Status:  status,
		State:   state,
		Markets: len(h.provider.Markets()),
		Sinks:   h.provider.SinkHealth(),
		Blocked: h.provider.RiskStatus().Blocked,
		Time:    time.Now().UTC(),
	})
}

func (h *Handlers) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.provider.Markets()
	if markets == nil {
		markets = []MarketStatus{}
	}
	h.writeJSON(w, http.StatusOK, markets)
}

// HandleCandles serves the recent series for one market key
// ("venue:product"), newest last. ?limit= caps the count.
func (h *Handlers) HandleCandles(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	candles, err := h.provider.Candles(key, limit)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			h.writeError(w, http.StatusServiceUnavailable, "candle storage unavailable")
			return
		}
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if candles == nil {
		candles = []types.Candle{}
	}
	h.writeJSON(w, http.StatusOK, candles)
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.provider.Positions()
	if positions == nil {
		positions = []risk.PositionView{}
	}
	h.writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.provider.Orders()
	if orders == nil {
		orders = []types.Order{}
	}
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades := h.provider.Trades()
	if trades == nil {
		trades = []types.Trade{}
	}
	h.writeJSON(w, http.StatusOK, trades)
}

func (h *Handlers) HandlePnL(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.provider.PnL())
}

func (h *Handlers) HandleRiskStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.provider.RiskStatus())
}

// HandleRiskUnblock clears the risk gate's block latch. Deliberately loud:
// the caller is overriding a stop.
func (h *Handlers) HandleRiskUnblock(w http.ResponseWriter, r *http.Request) {
	h.logger.Warn("risk unblock requested", "remote", r.RemoteAddr)
	h.provider.UnblockRisk()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection, registers it with the hub, and
// greets it with the current P&L so the client renders without waiting for
// the next push.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	if client == nil {
		return
	}

	greeting := StreamEvent{
		Channel:   ChannelPnLUpdate,
		Timestamp: time.Now().UTC(),
		Data:      h.provider.PnL(),
	}
	data, err := json.Marshal(greeting)
	if err != nil {
		h.logger.Error("failed to marshal greeting", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
