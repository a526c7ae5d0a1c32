package sink

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// PointWriter is the time-series back-end this sink writes through. The
// candle store's InfluxDB client implements it; the two share one server.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) error
}

// TimeSeries converts events into tagged points. The measurement is the
// event family (the topic segment after the product prefix): orders, trades,
// positions, risks, system, market, account, indicators, strategy,
// performance, errors. Numeric data become fields; strings become fields
// suffixed _str unless they already serve as tags.
type TimeSeries struct {
	writer  PointWriter
	metrics *Metrics
	logger  *slog.Logger
	healthy atomic.Bool
}

func NewTimeSeries(writer PointWriter, metrics *Metrics, logger *slog.Logger) *TimeSeries {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TimeSeries{
		writer:  writer,
		metrics: metrics,
		logger:  logger.With("component", "sink.timeseries"),
	}
	s.healthy.Store(true)
	return s
}

func (s *TimeSeries) Name() string  { return "timeseries" }
func (s *TimeSeries) Healthy() bool { return s.healthy.Load() }

func (s *TimeSeries) Publish(ctx context.Context, ev Event) error {
	tags := make(map[string]string, len(ev.Tags)+1)
	for k, v := range ev.Tags {
		tags[k] = v
	}
	tags["event_type"] = ev.Type

	fields := make(map[string]interface{}, len(ev.Data))
	for k, v := range ev.Data {
		if f, ok := numeric(v); ok {
			fields[k] = f
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		if _, isTag := tags[k]; isTag {
			continue
		}
		if strings.HasSuffix(k, "_str") {
			fields[k] = str
		} else {
			fields[k+"_str"] = str
		}
	}
	if len(fields) == 0 {
		fields["count"] = float64(1)
	}

	err := s.writer.WritePoint(ctx, eventFamily(ev.Topic), tags, fields, ev.Time)
	if err != nil {
		s.healthy.Store(false)
		if s.metrics != nil {
			s.metrics.InfluxErrorsTotal.Inc()
		}
		return err
	}
	s.healthy.Store(true)
	if s.metrics != nil {
		s.metrics.InfluxWritesTotal.Inc()
	}
	return nil
}

// eventFamily maps wolfinch.orders.submitted to "orders", wolfinch.errors to
// "errors", and so on.
func eventFamily(topic string) string {
	family := strings.TrimPrefix(topic, "wolfinch.")
	if i := strings.IndexByte(family, '.'); i > 0 {
		family = family[:i]
	}
	return family
}

func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
