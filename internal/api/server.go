// Package api is the operator surface: a REST read model over the engine's
// live state plus a WebSocket stream of candle, position, trade and P&L
// updates. The server reads the engine only through StateProvider and never
// writes anything except the risk unblock.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wolfinch/internal/config"
)

// Server runs the HTTP/WebSocket operator API.
type Server struct {
	cfg      config.APIConfig
	provider StateProvider
	events   <-chan StreamEvent
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewServer wires the routes. events carries the engine's stream frames and
// may be nil; metricsHandler serves the Prometheus registry on /metrics.
func NewServer(
	cfg config.APIConfig,
	provider StateProvider,
	events <-chan StreamEvent,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /markets", handlers.HandleMarkets)
	mux.HandleFunc("GET /markets/{key}/candles", handlers.HandleCandles)
	mux.HandleFunc("GET /positions", handlers.HandlePositions)
	mux.HandleFunc("GET /orders", handlers.HandleOrders)
	mux.HandleFunc("GET /trades", handlers.HandleTrades)
	mux.HandleFunc("GET /pnl", handlers.HandlePnL)
	mux.HandleFunc("GET /risk/status", handlers.HandleRiskStatus)
	mux.HandleFunc("POST /risk/unblock", handlers.HandleRiskUnblock)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		events:   events,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event forwarder, and the HTTP listener. It blocks
// until the server stops; run it in a goroutine.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	s.logger.Info("operator API listening", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully and stops the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator API")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// forwardEvents pushes engine stream frames into the hub until the event
// channel closes or the server stops.
func (s *Server) forwardEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.events:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
