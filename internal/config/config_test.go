package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const rootYAML = `
simulate: true
candle_interval: 300
exchanges:
  - name: binance
    config: binance.yaml
    products:
      - BTC-USD:
          id: BTCUSDT
          asset_type: BTC
          quote_type: USDT
          lot_size: 1
          strategy: ema_rsi
          params:
            rsi_period: 14
cache_db:
  config: cachedb.yaml
risk:
  max_daily_loss: 500
  max_daily_loss_percent: 5
  max_position_size: 10
  max_open_positions: 5
  starting_capital: 10000
backfill:
  enabled: true
  period: 5
sinks:
  kafka:
    enabled: false
  audit:
    enabled: false
api:
  enabled: true
  listen_addr: ":8080"
log:
  level: debug
  format: text
`

const exchangeYAML = `
api_key: file-key
api_secret: file-secret
base_url: https://api.binance.us
ws_url: wss://stream.binance.us:9443/ws
testnet: false
`

const cacheDBYAML = `
influxdb:
  url: http://localhost:8086
  token: file-token
  org: wolfinch
  bucket: candles
  enabled: true
redis:
  host: localhost
  port: 6379
  db: 0
  enabled: true
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"wolfinch.yaml": rootYAML,
		"binance.yaml":  exchangeYAML,
		"cachedb.yaml":  cacheDBYAML,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return filepath.Join(dir, "wolfinch.yaml")
}

func TestLoadHierarchy(t *testing.T) {
	cfg, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.Simulate {
		t.Error("Simulate = false, want true")
	}
	if cfg.CandleInterval != 300 {
		t.Errorf("CandleInterval = %d, want 300", cfg.CandleInterval)
	}
	if len(cfg.Exchanges) != 1 {
		t.Fatalf("len(Exchanges) = %d, want 1", len(cfg.Exchanges))
	}

	ex := cfg.Exchanges[0]
	if ex.Credentials.APIKey != "file-key" {
		t.Errorf("Credentials.APIKey = %q, want %q (from subordinate file)", ex.Credentials.APIKey, "file-key")
	}
	if ex.Credentials.BaseURL != "https://api.binance.us" {
		t.Errorf("Credentials.BaseURL = %q", ex.Credentials.BaseURL)
	}
	if ex.CandleInterval != 300 {
		t.Errorf("exchange CandleInterval = %d, want inherited 300", ex.CandleInterval)
	}
	if ex.Backfill == nil || !ex.Backfill.Enabled || ex.Backfill.Period != 5 {
		t.Errorf("exchange Backfill = %+v, want inherited {true 5}", ex.Backfill)
	}

	products := ex.ProductList()
	if len(products) != 1 {
		t.Fatalf("len(ProductList()) = %d, want 1", len(products))
	}
	p := products[0]
	if p.Symbol != "BTC-USD" || p.ID != "BTCUSDT" || p.LotSize != 1 {
		t.Errorf("product = %+v", p)
	}
	if p.Strategy != "ema_rsi" || p.Params["rsi_period"] != 14 {
		t.Errorf("product strategy/params = %q %v", p.Strategy, p.Params)
	}

	if !cfg.CacheDB.InfluxDB.Enabled || cfg.CacheDB.InfluxDB.Token != "file-token" {
		t.Errorf("CacheDB.InfluxDB = %+v, want merged from cachedb.yaml", cfg.CacheDB.InfluxDB)
	}
	if got, want := cfg.CacheDB.Redis.Addr(), "localhost:6379"; got != want {
		t.Errorf("Redis.Addr() = %q, want %q", got, want)
	}

	if cfg.Engine.QueueSize != 10000 {
		t.Errorf("Engine.QueueSize = %d, want default 10000", cfg.Engine.QueueSize)
	}
	if cfg.Engine.ShutdownPolicy != "cancel" {
		t.Errorf("Engine.ShutdownPolicy = %q, want default %q", cfg.Engine.ShutdownPolicy, "cancel")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WOLFINCH_EXCHANGE_API_KEY", "env-key")
	t.Setenv("WOLFINCH_EXCHANGE_API_SECRET", "env-secret")
	t.Setenv("WOLFINCH_INFLUXDB_TOKEN", "env-token")
	t.Setenv("WOLFINCH_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WOLFINCH_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WOLFINCH_POSTGRES_DSN", "postgres://audit")

	cfg, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Exchanges[0].Credentials.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Exchanges[0].Credentials.APIKey)
	}
	if cfg.Exchanges[0].Credentials.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env override", cfg.Exchanges[0].Credentials.APISecret)
	}
	if cfg.CacheDB.InfluxDB.Token != "env-token" {
		t.Errorf("InfluxDB.Token = %q, want env override", cfg.CacheDB.InfluxDB.Token)
	}
	if cfg.CacheDB.Redis.Host != "redis.internal" || cfg.CacheDB.Redis.Port != 6380 {
		t.Errorf("Redis = %s:%d, want redis.internal:6380", cfg.CacheDB.Redis.Host, cfg.CacheDB.Redis.Port)
	}
	if len(cfg.Sinks.Kafka.Brokers) != 2 || cfg.Sinks.Kafka.Brokers[0] != "k1:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Sinks.Kafka.Brokers)
	}
	if cfg.Sinks.Audit.DSN != "postgres://audit" {
		t.Errorf("Audit.DSN = %q", cfg.Sinks.Audit.DSN)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			CandleInterval: 300,
			Simulate:       true,
			Exchanges: []ExchangeConfig{{
				Name: "paper",
				Products: []map[string]ProductConfig{
					{"BTC-USD": {ID: "BTC-USD"}},
				},
			}},
			Risk: RiskConfig{
				MaxDailyLoss:        100,
				MaxDailyLossPercent: 5,
				MaxPositionSize:     10,
				MaxOpenPositions:    5,
				StartingCapital:     10000,
			},
			Engine: EngineConfig{QueueSize: 10000, ShutdownPolicy: "cancel"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"no exchanges", func(c *Config) { c.Exchanges = nil }, "at least one exchange"},
		{"zero interval", func(c *Config) { c.CandleInterval = 0 }, "candle_interval"},
		{"no products", func(c *Config) { c.Exchanges[0].Products = nil }, "no products"},
		{"missing product id", func(c *Config) {
			c.Exchanges[0].Products = []map[string]ProductConfig{{"X": {}}}
		}, "id is required"},
		{"bad daily loss", func(c *Config) { c.Risk.MaxDailyLoss = 0 }, "max_daily_loss"},
		{"bad loss percent", func(c *Config) { c.Risk.MaxDailyLossPercent = 101 }, "max_daily_loss_percent"},
		{"bad position size", func(c *Config) { c.Risk.MaxPositionSize = -1 }, "max_position_size"},
		{"bad open positions", func(c *Config) { c.Risk.MaxOpenPositions = 0 }, "max_open_positions"},
		{"bad capital", func(c *Config) { c.Risk.StartingCapital = 0 }, "starting_capital"},
		{"bad shutdown policy", func(c *Config) { c.Engine.ShutdownPolicy = "panic" }, "shutdown_policy"},
		{"influx enabled without url", func(c *Config) { c.CacheDB.InfluxDB.Enabled = true }, "influxdb.url"},
		{"kafka enabled without brokers", func(c *Config) { c.Sinks.Kafka.Enabled = true }, "kafka.brokers"},
	}

	for _, tt := range tests {
		cfg := base()
		tt.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantSub) {
			t.Errorf("%s: Validate() = %q, want substring %q", tt.name, err, tt.wantSub)
		}
	}
}
