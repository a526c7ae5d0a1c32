package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

const (
	candleMeasurement = "candle"
	queryTimeout      = 10 * time.Second
)

// Influx is the cold candle tier. Candles are points in the "candle"
// measurement, tagged by exchange and product, with OHLCV as fields at
// second precision. Writes at the same (tags, time) overwrite fields, which
// gives the upsert-by-time semantics for free.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	org      string
	bucket   string
	logger   *slog.Logger
}

// NewInflux builds the client and pings the server. An unreachable server is
// only a warning: the client is lazy, so writes fail per-call into the error
// counter and recover when the server comes back.
func NewInflux(cfg config.InfluxConfig, logger *slog.Logger) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb config incomplete: url=%q org=%q bucket=%q", cfg.URL, cfg.Org, cfg.Bucket)
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	db := &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		org:      cfg.Org,
		bucket:   cfg.Bucket,
		logger:   logger.With("component", "influxdb"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx); err != nil {
		db.logger.Warn("influxdb unreachable, writes will retry per call", "url", cfg.URL, "error", err)
	} else {
		db.logger.Info("influxdb connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	}
	return db, nil
}

func candlePoint(instrument types.Instrument, c types.Candle) *write.Point {
	return influxdb2.NewPoint(candleMeasurement,
		map[string]string{
			"exchange": instrument.Venue,
			"product":  instrument.ProductID,
		},
		map[string]interface{}{
			"open":   c.Open,
			"high":   c.High,
			"low":    c.Low,
			"close":  c.Close,
			"volume": c.Volume,
		},
		time.Unix(c.Time, 0).UTC(),
	)
}

// WriteCandle upserts one candle.
func (db *Influx) WriteCandle(ctx context.Context, instrument types.Instrument, c types.Candle) error {
	return db.writeAPI.WritePoint(ctx, candlePoint(instrument, c))
}

// WriteCandleBatch upserts a batch in one round trip.
func (db *Influx) WriteCandleBatch(ctx context.Context, instrument types.Instrument, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(candles))
	for _, c := range candles {
		points = append(points, candlePoint(instrument, c))
	}
	return db.writeAPI.WritePoint(ctx, points...)
}

// WritePoint writes an arbitrary tagged point; the event sinks use this for
// trade, indicator and metric families.
func (db *Influx) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) error {
	return db.writeAPI.WritePoint(ctx, influxdb2.NewPoint(measurement, tags, fields, at))
}

// QueryRange returns candles with start ≤ time ≤ stop, ascending, capped at
// limit. A stop of 0 means "now".
func (db *Influx) QueryRange(ctx context.Context, instrument types.Instrument, start, stop int64, limit int) ([]types.Candle, error) {
	stopClause := "now()"
	if stop > 0 {
		// Flux range stops are exclusive; stretch one past for inclusive reads.
		stopClause = fmt.Sprintf("%d", stop+1)
	}
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %d, stop: %s)
  |> filter(fn: (r) => r["_measurement"] == %q)
  |> filter(fn: (r) => r["exchange"] == %q)
  |> filter(fn: (r) => r["product"] == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])
  |> limit(n: %d)
`, db.bucket, start, stopClause, candleMeasurement, instrument.Venue, instrument.ProductID, limit)

	return db.queryCandles(ctx, flux, false)
}

// QueryRecent returns the latest n candles, ascending.
func (db *Influx) QueryRecent(ctx context.Context, instrument types.Instrument, n int) ([]types.Candle, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r["_measurement"] == %q)
  |> filter(fn: (r) => r["exchange"] == %q)
  |> filter(fn: (r) => r["product"] == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, db.bucket, candleMeasurement, instrument.Venue, instrument.ProductID, n)

	return db.queryCandles(ctx, flux, true)
}

func (db *Influx) queryCandles(ctx context.Context, flux string, reverse bool) ([]types.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := db.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influxdb query: %w", err)
	}

	var candles []types.Candle
	for result.Next() {
		rec := result.Record()
		candles = append(candles, types.Candle{
			Time:   rec.Time().Unix(),
			Open:   floatValue(rec.ValueByKey("open")),
			High:   floatValue(rec.ValueByKey("high")),
			Low:    floatValue(rec.ValueByKey("low")),
			Close:  floatValue(rec.ValueByKey("close")),
			Volume: floatValue(rec.ValueByKey("volume")),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influxdb query: %w", err)
	}

	if reverse {
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	}
	return candles, nil
}

func floatValue(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}

// Close releases the client.
func (db *Influx) Close() {
	db.client.Close()
}
