package sink

import (
	"context"
	"log/slog"
	"time"
)

const (
	queueSize      = 1024
	publishTimeout = 10 * time.Second
)

// Target is one event destination behind the fan-out.
type Target interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
	Healthy() bool
}

// Fanout decouples the trading hot path from the sinks. Publish enqueues
// without blocking; when the queue is full the oldest event is dropped and
// counted. A single worker delivers each event to every target in a fixed
// order, so per-key ordering holds across all sinks. One failing target is
// logged and skipped, never stalling the others.
type Fanout struct {
	targets []Target
	metrics *Metrics
	logger  *slog.Logger
	queue   chan Event
}

func NewFanout(metrics *Metrics, logger *slog.Logger, targets ...Target) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		targets: targets,
		metrics: metrics,
		logger:  logger.With("component", "sink.fanout"),
		queue:   make(chan Event, queueSize),
	}
}

// Publish enqueues an event for delivery. Never blocks: if the queue is
// full, drain one stale event, then try once more.
func (f *Fanout) Publish(ev Event) {
	select {
	case f.queue <- ev:
		return
	default:
	}
	select {
	case <-f.queue:
		f.countDrop()
	default:
	}
	select {
	case f.queue <- ev:
	default:
		f.countDrop()
		f.logger.Warn("event queue full, dropping event", "topic", ev.Topic)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes whatever
// is still queued before returning.
func (f *Fanout) Run(ctx context.Context) {
	f.logger.Info("event fan-out started", "targets", len(f.targets))
	for {
		select {
		case ev := <-f.queue:
			f.dispatch(ctx, ev)
		case <-ctx.Done():
			f.flush()
			f.logger.Info("event fan-out stopped")
			return
		}
	}
}

func (f *Fanout) dispatch(ctx context.Context, ev Event) {
	for _, t := range f.targets {
		tctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := t.Publish(tctx, ev)
		cancel()
		if err != nil {
			f.logger.Warn("sink publish failed",
				"sink", t.Name(), "topic", ev.Topic, "error", err)
		}
		if f.metrics != nil {
			healthy := 0.0
			if t.Healthy() {
				healthy = 1.0
			}
			f.metrics.SinkHealthy.WithLabelValues(t.Name()).Set(healthy)
		}
	}
}

// flush drains the queue after shutdown has been requested. Each event gets
// a fresh timeout so in-flight work still lands.
func (f *Fanout) flush() {
	for {
		select {
		case ev := <-f.queue:
			f.dispatch(context.Background(), ev)
		default:
			return
		}
	}
}

// Health reports each target's last publish outcome.
func (f *Fanout) Health() map[string]bool {
	health := make(map[string]bool, len(f.targets))
	for _, t := range f.targets {
		health[t.Name()] = t.Healthy()
	}
	return health
}

func (f *Fanout) countDrop() {
	if f.metrics != nil {
		f.metrics.EventsDroppedTotal.WithLabelValues("fanout").Inc()
	}
}
