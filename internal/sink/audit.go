package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"

	"wolfinch/internal/config"
)

// Postgres DDL applied at startup. Order and trade events land in
// audit.trade_logs, operational events in audit.system_events, and strategy
// roll-ups in analytics.performance_metrics. Compliance queries run against
// these tables out of band; the bot only ever inserts.
var auditDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS audit`,
	`CREATE SCHEMA IF NOT EXISTS analytics`,
	`CREATE TABLE IF NOT EXISTS audit.trade_logs (
		id         BIGSERIAL PRIMARY KEY,
		timestamp  TIMESTAMPTZ NOT NULL,
		exchange   TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		action     TEXT NOT NULL,
		order_type TEXT,
		quantity   NUMERIC,
		price      NUMERIC,
		status     TEXT,
		order_id   TEXT,
		strategy   TEXT,
		metadata   JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS trade_logs_timestamp_idx ON audit.trade_logs (timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit.system_events (
		id         BIGSERIAL PRIMARY KEY,
		timestamp  TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		severity   TEXT NOT NULL,
		component  TEXT,
		message    TEXT,
		metadata   JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS system_events_timestamp_idx ON audit.system_events (timestamp)`,
	`CREATE TABLE IF NOT EXISTS analytics.performance_metrics (
		id           BIGSERIAL PRIMARY KEY,
		timestamp    TIMESTAMPTZ NOT NULL,
		strategy     TEXT NOT NULL,
		symbol       TEXT,
		pnl          NUMERIC,
		return_pct   NUMERIC,
		sharpe_ratio NUMERIC,
		max_drawdown NUMERIC,
		win_rate     NUMERIC,
		total_trades BIGINT,
		metadata     JSONB
	)`,
}

// Audit appends events to Postgres for compliance. It is write-only and
// best-effort: a failed insert is counted and surfaced, never retried here.
type Audit struct {
	pool    *pgxpool.Pool
	metrics *Metrics
	logger  *slog.Logger
	healthy atomic.Bool
}

func NewAudit(ctx context.Context, cfg config.AuditConfig, metrics *Metrics, logger *slog.Logger) (*Audit, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("audit: empty dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	a := &Audit{
		pool:    pool,
		metrics: metrics,
		logger:  logger.With("component", "sink.audit"),
	}
	for _, ddl := range auditDDL {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("audit: migrate: %w", err)
		}
	}
	a.healthy.Store(true)
	a.logger.Info("audit log ready")
	return a, nil
}

func (a *Audit) Name() string  { return "audit" }
func (a *Audit) Healthy() bool { return a.healthy.Load() }

func (a *Audit) Close() {
	a.pool.Close()
}

func (a *Audit) Publish(ctx context.Context, ev Event) error {
	var err error
	switch ev.Topic {
	case TopicOrdersSubmitted, TopicOrdersExecuted, TopicOrdersRejected,
		TopicOrdersModified, TopicTradesCompleted:
		err = a.insertTradeLog(ctx, ev)
	case TopicPerformanceSnapshots:
		err = a.insertPerformance(ctx, ev)
	default:
		err = a.insertSystemEvent(ctx, ev)
	}
	if err != nil {
		a.healthy.Store(false)
		if a.metrics != nil {
			a.metrics.PostgresErrors.Inc()
		}
		return err
	}
	a.healthy.Store(true)
	if a.metrics != nil {
		a.metrics.PostgresWrites.Inc()
	}
	return nil
}

func (a *Audit) insertTradeLog(ctx context.Context, ev Event) error {
	quantity := fieldFloat(ev.Data, "lots")
	if quantity == 0 {
		quantity = fieldFloat(ev.Data, "filled")
	}
	price := fieldFloat(ev.Data, "price")
	if price == 0 {
		price = fieldFloat(ev.Data, "avg_price")
	}
	status := fieldString(ev.Data, "status")
	if status == "" {
		status = tradeLogStatus(ev.Topic)
	}
	orderID := fieldString(ev.Data, "order_id")
	if orderID == "" {
		orderID = fieldString(ev.Data, "trade_id")
	}
	meta, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO audit.trade_logs
			(timestamp, exchange, symbol, action, order_type, quantity, price, status, order_id, strategy, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.Time,
		ev.Tags["exchange"],
		ev.Tags["symbol"],
		fieldString(ev.Data, "side"),
		fieldString(ev.Data, "type"),
		quantity,
		price,
		status,
		orderID,
		fieldString(ev.Data, "strategy"),
		meta,
	)
	if err != nil {
		return fmt.Errorf("audit: trade log: %w", err)
	}
	return nil
}

func (a *Audit) insertSystemEvent(ctx context.Context, ev Event) error {
	severity := ev.Tags["severity"]
	if severity == "" {
		severity = "INFO"
	}
	component := ev.Tags["component"]
	if component == "" {
		component = eventFamily(ev.Topic)
	}
	message := fieldString(ev.Data, "message_str")
	if message == "" {
		message = fieldString(ev.Data, "action_str")
	}
	meta, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO audit.system_events
			(timestamp, event_type, severity, component, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Time, ev.Type, severity, component, message, meta,
	)
	if err != nil {
		return fmt.Errorf("audit: system event: %w", err)
	}
	return nil
}

func (a *Audit) insertPerformance(ctx context.Context, ev Event) error {
	meta, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO analytics.performance_metrics
			(timestamp, strategy, symbol, pnl, return_pct, sharpe_ratio, max_drawdown, win_rate, total_trades, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.Time,
		ev.Tags["strategy"],
		fieldString(ev.Data, "symbol"),
		fieldFloat(ev.Data, "pnl"),
		fieldFloat(ev.Data, "return_pct"),
		fieldFloat(ev.Data, "sharpe_ratio"),
		fieldFloat(ev.Data, "max_drawdown"),
		fieldFloat(ev.Data, "win_rate"),
		int64(fieldFloat(ev.Data, "total_trades")),
		meta,
	)
	if err != nil {
		return fmt.Errorf("audit: performance: %w", err)
	}
	return nil
}

func tradeLogStatus(topic string) string {
	switch topic {
	case TopicOrdersSubmitted:
		return "SUBMITTED"
	case TopicOrdersExecuted:
		return "EXECUTED"
	case TopicOrdersRejected:
		return "REJECTED"
	case TopicOrdersModified:
		return "MODIFIED"
	case TopicTradesCompleted:
		return "COMPLETED"
	default:
		return ""
	}
}

func fieldString(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

func fieldFloat(data map[string]interface{}, key string) float64 {
	f, _ := numeric(data[key])
	return f
}
