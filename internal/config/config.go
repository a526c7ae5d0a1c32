// Package config defines all configuration for the trading bot.
// Config is loaded from a root YAML file (default: configs/wolfinch.yaml)
// that may name subordinate files for exchange credentials and cache-db
// endpoints, with sensitive fields overridable via WOLFINCH_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the root YAML file.
type Config struct {
	Simulate       bool             `mapstructure:"simulate"`        // paper trading: no live orders
	CandleInterval int              `mapstructure:"candle_interval"` // seconds per candle
	Exchanges      []ExchangeConfig `mapstructure:"exchanges"`
	CacheDB        CacheDBConfig    `mapstructure:"cache_db"`
	Risk           RiskConfig       `mapstructure:"risk"`
	Backfill       BackfillConfig   `mapstructure:"backfill"`
	Sinks          SinksConfig      `mapstructure:"sinks"`
	Engine         EngineConfig     `mapstructure:"engine"`
	API            APIConfig        `mapstructure:"api"`
	Log            LogConfig        `mapstructure:"log"`
}

// ExchangeConfig describes one venue and the products traded on it.
// Config names a subordinate YAML file holding the venue credentials and
// endpoints; its contents are merged into Credentials at load time.
// CandleInterval and Backfill default to the root values when unset.
type ExchangeConfig struct {
	Name           string                     `mapstructure:"name"`
	ConfigFile     string                     `mapstructure:"config"`
	CandleInterval int                        `mapstructure:"candle_interval"`
	Backfill       *BackfillConfig            `mapstructure:"backfill"`
	Products       []map[string]ProductConfig `mapstructure:"products"`

	Credentials Credentials  `mapstructure:"credentials"`
	Paper       *PaperConfig `mapstructure:"paper"`
}

// Credentials holds venue API access. Loaded from the exchange's subordinate
// config file; WOLFINCH_EXCHANGE_API_KEY / WOLFINCH_EXCHANGE_API_SECRET
// override the file values for every configured venue.
type Credentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	Testnet   bool   `mapstructure:"testnet"`
}

// PaperConfig tunes the simulated venue. Zero values select the defaults
// documented per field.
type PaperConfig struct {
	Seed        int64   `mapstructure:"seed"`         // random walk seed, 0 = time-based
	Candles     int     `mapstructure:"candles"`      // generated history length, default 5000
	InitialFund float64 `mapstructure:"initial_fund"` // starting quote balance, default 10000
	FeeBps      float64 `mapstructure:"fee_bps"`      // taker fee in basis points, default 10
	SpeedDiv    int     `mapstructure:"speed_div"`    // feed emits every interval/speed_div, default 10
	DataDir     string  `mapstructure:"data_dir"`     // directory holding product CSV files
}

// ProductConfig configures one tradeable product on a venue. In YAML each
// entry is a single-key map from display symbol to this body:
//
//	products:
//	  - BTC-USD:
//	      id: BTCUSDT
//	      asset_type: BTC
//	      quote_type: USDT
//	      lot_size: 1
//	      strategy: ema_rsi
type ProductConfig struct {
	ID          string             `mapstructure:"id"`           // venue-native product ID
	AssetType   string             `mapstructure:"asset_type"`   // base asset
	QuoteType   string             `mapstructure:"quote_type"`   // quote currency
	LotSize     int                `mapstructure:"lot_size"`     // units per lot, default 1
	BaseLots    int                `mapstructure:"base_lots"`    // lots per point of signal strength, default 1
	ProductType string             `mapstructure:"product_type"` // e.g. "spot"
	Strategy    string             `mapstructure:"strategy"`     // empty = data collection only
	Params      map[string]float64 `mapstructure:"params"`       // strategy parameter overrides
	CSVFile     string             `mapstructure:"csv_file"`     // paper venue replay data, empty = generated walk
}

// Product is a flattened (symbol, body) pair from an ExchangeConfig.
type Product struct {
	Symbol string
	ProductConfig
}

// ProductList flattens the single-key product maps into an ordered slice.
func (e *ExchangeConfig) ProductList() []Product {
	out := make([]Product, 0, len(e.Products))
	for _, entry := range e.Products {
		for symbol, body := range entry {
			if body.LotSize < 1 {
				body.LotSize = 1
			}
			if body.BaseLots < 1 {
				body.BaseLots = 1
			}
			out = append(out, Product{Symbol: symbol, ProductConfig: body})
		}
	}
	return out
}

// CacheDBConfig selects the candle storage tiers. ConfigFile optionally
// names a subordinate YAML whose influxdb/redis sections are merged over
// the inline values.
type CacheDBConfig struct {
	ConfigFile string       `mapstructure:"config"`
	InfluxDB   InfluxConfig `mapstructure:"influxdb"`
	Redis      RedisConfig  `mapstructure:"redis"`
}

// InfluxConfig is the cold candle tier (time-series database).
type InfluxConfig struct {
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
	Enabled bool   `mapstructure:"enabled"`
}

// RedisConfig is the hot candle tier (bounded recent-candle lists).
type RedisConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DB      int    `mapstructure:"db"`
	Enabled bool   `mapstructure:"enabled"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RiskConfig sets the hard trading limits enforced before every order.
//
//   - MaxDailyLoss: max daily loss (realized plus unrealized), quote currency.
//   - MaxDailyLossPercent: max daily loss as % of starting capital.
//   - MaxPositionSize: max lots held per instrument.
//   - MaxOpenPositions: cap on simultaneously open positions across markets.
//   - StartingCapital: denominator for the percent limit.
//   - StateFile: JSON file where daily counters and the block latch persist.
type RiskConfig struct {
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`
	MaxDailyLossPercent float64 `mapstructure:"max_daily_loss_percent"`
	MaxPositionSize     int     `mapstructure:"max_position_size"`
	MaxOpenPositions    int     `mapstructure:"max_open_positions"`
	StartingCapital     float64 `mapstructure:"starting_capital"`
	StateFile           string  `mapstructure:"state_file"`
}

// BackfillConfig controls historical candle download at market start.
type BackfillConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Period  int  `mapstructure:"period"` // days of history
}

// SinksConfig wires the optional event sinks.
type SinksConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
	Audit AuditConfig `mapstructure:"audit"`
}

// KafkaConfig is the message-bus sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Enabled bool     `mapstructure:"enabled"`
}

// AuditConfig is the relational audit sink (postgres).
type AuditConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

// EngineConfig tunes the per-market workers.
//
//   - QueueSize: bound of each market's feed message queue.
//   - DrainTimeout: how long draining waits for queues to empty on shutdown.
//   - ShutdownPolicy: what to do with open orders/positions on close:
//     "leave" (nothing), "cancel" (cancel open orders), or
//     "close" (cancel orders and flatten positions at market).
//   - TickInterval: supervisor heartbeat/stats period.
type EngineConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	ShutdownPolicy string        `mapstructure:"shutdown_policy"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
}

// APIConfig controls the operator HTTP/WebSocket server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the root config file, resolves subordinate files, and applies
// env var overrides. Secrets use env vars: WOLFINCH_EXCHANGE_API_KEY,
// WOLFINCH_EXCHANGE_API_SECRET, WOLFINCH_INFLUXDB_TOKEN, WOLFINCH_REDIS_ADDR,
// WOLFINCH_KAFKA_BROKERS, WOLFINCH_POSTGRES_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WOLFINCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("candle_interval", 300)
	v.SetDefault("risk.state_file", "data/risk_state.json")
	v.SetDefault("engine.queue_size", 10000)
	v.SetDefault("engine.drain_timeout", "10s")
	v.SetDefault("engine.shutdown_policy", "cancel")
	v.SetDefault("engine.tick_interval", "500ms")
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	baseDir := filepath.Dir(path)

	if cfg.CacheDB.ConfigFile != "" {
		sub, err := loadCacheDBFile(resolvePath(baseDir, cfg.CacheDB.ConfigFile))
		if err != nil {
			return nil, fmt.Errorf("cache_db config %s: %w", cfg.CacheDB.ConfigFile, err)
		}
		cfg.CacheDB.InfluxDB = sub.InfluxDB
		cfg.CacheDB.Redis = sub.Redis
	}

	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		if ex.ConfigFile != "" {
			creds, err := LoadExchangeFile(resolvePath(baseDir, ex.ConfigFile))
			if err != nil {
				return nil, fmt.Errorf("exchange %s config %s: %w", ex.Name, ex.ConfigFile, err)
			}
			ex.Credentials = creds
		}
		if ex.CandleInterval == 0 {
			ex.CandleInterval = cfg.CandleInterval
		}
		if ex.Backfill == nil {
			bf := cfg.Backfill
			ex.Backfill = &bf
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// LoadExchangeFile reads a venue credentials file:
// {api_key, api_secret, base_url, ws_url, testnet}.
func LoadExchangeFile(path string) (Credentials, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Credentials{}, fmt.Errorf("read exchange config: %w", err)
	}
	var creds Credentials
	if err := v.Unmarshal(&creds); err != nil {
		return Credentials{}, fmt.Errorf("unmarshal exchange config: %w", err)
	}
	return creds, nil
}

func loadCacheDBFile(path string) (CacheDBConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return CacheDBConfig{}, fmt.Errorf("read cache_db config: %w", err)
	}
	var sub CacheDBConfig
	if err := v.Unmarshal(&sub); err != nil {
		return CacheDBConfig{}, fmt.Errorf("unmarshal cache_db config: %w", err)
	}
	return sub, nil
}

// applyEnvOverrides copies secret env vars over the file values.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("WOLFINCH_EXCHANGE_API_KEY"); key != "" {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i].Credentials.APIKey = key
		}
	}
	if secret := os.Getenv("WOLFINCH_EXCHANGE_API_SECRET"); secret != "" {
		for i := range cfg.Exchanges {
			cfg.Exchanges[i].Credentials.APISecret = secret
		}
	}
	if token := os.Getenv("WOLFINCH_INFLUXDB_TOKEN"); token != "" {
		cfg.CacheDB.InfluxDB.Token = token
	}
	if addr := os.Getenv("WOLFINCH_REDIS_ADDR"); addr != "" {
		if host, port, ok := splitHostPort(addr); ok {
			cfg.CacheDB.Redis.Host = host
			cfg.CacheDB.Redis.Port = port
		}
	}
	if brokers := os.Getenv("WOLFINCH_KAFKA_BROKERS"); brokers != "" {
		cfg.Sinks.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if dsn := os.Getenv("WOLFINCH_POSTGRES_DSN"); dsn != "" {
		cfg.Sinks.Audit.DSN = dsn
	}
	if sim := os.Getenv("WOLFINCH_SIMULATE"); sim == "true" || sim == "1" {
		cfg.Simulate = true
	}
}

func splitHostPort(addr string) (string, int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx <= 0 {
		return "", 0, false
	}
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, false
	}
	return addr[:idx], port, true
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.CandleInterval <= 0 {
		return fmt.Errorf("candle_interval must be > 0 seconds")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		products := ex.ProductList()
		if len(products) == 0 {
			return fmt.Errorf("exchange %s has no products", ex.Name)
		}
		for _, p := range products {
			if p.ID == "" {
				return fmt.Errorf("exchange %s product %s: id is required", ex.Name, p.Symbol)
			}
		}
		if ex.Name != "paper" && !c.Simulate {
			if ex.Credentials.APIKey == "" {
				return fmt.Errorf("exchange %s: api_key is required (set WOLFINCH_EXCHANGE_API_KEY)", ex.Name)
			}
			if ex.Credentials.APISecret == "" {
				return fmt.Errorf("exchange %s: api_secret is required (set WOLFINCH_EXCHANGE_API_SECRET)", ex.Name)
			}
		}
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxDailyLossPercent <= 0 || c.Risk.MaxDailyLossPercent > 100 {
		return fmt.Errorf("risk.max_daily_loss_percent must be in (0, 100]")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Risk.StartingCapital <= 0 {
		return fmt.Errorf("risk.starting_capital must be > 0")
	}
	if c.CacheDB.InfluxDB.Enabled {
		if c.CacheDB.InfluxDB.URL == "" {
			return fmt.Errorf("cache_db.influxdb.url is required when enabled")
		}
		if c.CacheDB.InfluxDB.Org == "" || c.CacheDB.InfluxDB.Bucket == "" {
			return fmt.Errorf("cache_db.influxdb.org and bucket are required when enabled")
		}
		if c.CacheDB.InfluxDB.Token == "" {
			return fmt.Errorf("cache_db.influxdb.token is required when enabled (set WOLFINCH_INFLUXDB_TOKEN)")
		}
	}
	if c.CacheDB.Redis.Enabled {
		if c.CacheDB.Redis.Host == "" || c.CacheDB.Redis.Port == 0 {
			return fmt.Errorf("cache_db.redis.host and port are required when enabled (set WOLFINCH_REDIS_ADDR)")
		}
	}
	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fmt.Errorf("sinks.kafka.brokers is required when enabled (set WOLFINCH_KAFKA_BROKERS)")
	}
	if c.Sinks.Audit.Enabled && c.Sinks.Audit.DSN == "" {
		return fmt.Errorf("sinks.audit.dsn is required when enabled (set WOLFINCH_POSTGRES_DSN)")
	}
	switch c.Engine.ShutdownPolicy {
	case "leave", "cancel", "close":
	default:
		return fmt.Errorf("engine.shutdown_policy must be one of: leave, cancel, close")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be > 0")
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when api.enabled")
	}
	return nil
}
