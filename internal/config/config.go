// Package config defines the top-level configuration for the arbitrage
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CROSSARB_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	Log        LogConfig        `toml:"log"`
	Trading    TradingConfig    `toml:"trading"`
	Monitoring MonitoringConfig `toml:"monitoring"`
	Venues     []VenueConfig    `toml:"venues"`
	Oracle     OracleConfig     `toml:"oracle"`
	Privacy    PrivacyConfig    `toml:"privacy"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | console
}

// TradingConfig holds the detection and sizing thresholds.
type TradingConfig struct {
	Asset           string  `toml:"asset"`
	MinSpread       Decimal `toml:"min_spread"`
	MinProfitMargin Decimal `toml:"min_profit_margin"`
	MinAmount       Decimal `toml:"min_amount"`
	MaxAmount       Decimal `toml:"max_amount"`
	TransferFee     Decimal `toml:"transfer_fee"`
}

// MonitoringConfig holds loop cadences and timeouts.
type MonitoringConfig struct {
	DetectionInterval       duration `toml:"detection_interval"`
	ConfirmationInterval    duration `toml:"confirmation_interval"`
	MaxConfirmationAttempts int      `toml:"max_confirmation_attempts"`
	QuoteStaleness          duration `toml:"quote_staleness"`
	AdapterTimeout          duration `toml:"adapter_timeout"`
	ProofTimeout            duration `toml:"proof_timeout"`
	HistoryWindow           duration `toml:"history_window"`
	MaxHistory              int      `toml:"max_history"`
	PairLockTTL             duration `toml:"pair_lock_ttl"`
}

// VenueConfig describes one trading venue.
type VenueConfig struct {
	ID           string   `toml:"id"`
	Kind         string   `toml:"kind"`   // evm | rest | paper
	Family       string   `toml:"family"` // evm | utxo | account; defaults by kind
	AssetAddress string   `toml:"asset_address"`
	FeeRate      Decimal  `toml:"fee_rate"`
	MinAmount    Decimal  `toml:"min_amount"`
	MaxAmount    Decimal  `toml:"max_amount"`
	PoolAddress  string   `toml:"pool_address"`
	RPCURL       string   `toml:"rpc_url"`
	ChainID      int64    `toml:"chain_id"`
	KeyFile      string   `toml:"key_file"`
	KeyPassword  string   `toml:"key_password"`
	APIURL       string   `toml:"api_url"`
	APIKey       string   `toml:"api_key"`
	APISecret    string   `toml:"api_secret"`
	PriceURL     string   `toml:"price_url"`
	PriceWSURL   string   `toml:"price_ws_url"`
	RateLimitRPS float64  `toml:"rate_limit_rps"`
	PaperPrice   Decimal  `toml:"paper_price"`
	PaperLatency duration `toml:"paper_latency"`
	PaperFailPct float64  `toml:"paper_fail_pct"`
}

// OracleConfig selects the prediction oracle.
type OracleConfig struct {
	Kind    string   `toml:"kind"` // static | momentum
	Horizon duration `toml:"horizon"`
}

// PrivacyConfig holds the proof signing key source.
type PrivacyConfig struct {
	ProverKeyHex      string `toml:"prover_key_hex"`
	ProverKeyFile     string `toml:"prover_key_file"`
	ProverKeyPassword string `toml:"prover_key_password"`
}

// LedgerConfig selects durable storage for trade attempts.
type LedgerConfig struct {
	Backend     string   `toml:"backend"` // wal | postgres
	WALDir      string   `toml:"wal_dir"`
	PaperWALDir string   `toml:"paper_wal_dir"` // paper mode; empty means a fresh temp dir
	RecentLimit int      `toml:"recent_limit"`
	RecentTTL   duration `toml:"recent_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Addr is host:port or a
// redis:// URL. An empty addr disables the quote cache, event bus and
// cross-process pair lock.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	StreamLen  int64  `toml:"stream_len"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables the attempt archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	APIKey       string   `toml:"api_key"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimitRPS float64  `toml:"rate_limit_rps"` // per client IP; 0 disables
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Decimal lets money values be written in TOML either as strings ("0.003")
// or as bare numbers.
type Decimal struct {
	decimal.Decimal
}

// D wraps a decimal for use in config literals.
func D(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Decimal) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return fmt.Errorf("decimal %q: %w", x, err)
		}
		d.Decimal = parsed
	case int64:
		d.Decimal = decimal.NewFromInt(x)
	case float64:
		d.Decimal = decimal.NewFromFloat(x)
	default:
		return fmt.Errorf("decimal: unsupported TOML type %T", v)
	}
	return nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode: "engine",
		Log:  LogConfig{Level: "info", Format: "json"},
		Trading: TradingConfig{
			Asset:           "ZEC",
			MinSpread:       D("0.003"),
			MinProfitMargin: D("0.002"),
			MinAmount:       D("10"),
			MaxAmount:       D("1000"),
			TransferFee:     D("0"),
		},
		Monitoring: MonitoringConfig{
			DetectionInterval:       duration{10 * time.Second},
			ConfirmationInterval:    duration{5 * time.Second},
			MaxConfirmationAttempts: 60,
			QuoteStaleness:          duration{30 * time.Second},
			AdapterTimeout:          duration{10 * time.Second},
			ProofTimeout:            duration{30 * time.Second},
			HistoryWindow:           duration{24 * time.Hour},
			MaxHistory:              4096,
			PairLockTTL:             duration{15 * time.Minute},
		},
		Oracle: OracleConfig{Kind: "momentum", Horizon: duration{time.Minute}},
		Ledger: LedgerConfig{
			Backend:     "wal",
			WALDir:      "data/ledger",
			RecentLimit: 500,
			RecentTTL:   duration{24 * time.Hour},
		},
		Postgres: PostgresConfig{PoolMaxConns: 10, PoolMinConns: 1, RunMigrations: true},
		Redis:    RedisConfig{PoolSize: 10, MaxRetries: 3, StreamLen: 10_000},
		S3:       S3Config{Region: "us-east-1", Prefix: "attempts"},
		Server:   ServerConfig{Enabled: true, Port: 8000},
		Notify:   NotifyConfig{Events: []string{"partial_failure", "leg1_timed_out"}},
	}
}

const minPairLockTTL = 3 * time.Second

var validModes = map[string]bool{
	"engine": true,
	"paper":  true,
	"stats":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validVenueKinds = map[string]bool{
	string(domain.VenueKindEVM):   true,
	string(domain.VenueKindREST):  true,
	string(domain.VenueKindPaper): true,
}

// Validate checks Config for invalid or missing values and returns a
// *domain.ConfigurationError describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, paper, stats)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Trading bounds
	t := c.Trading
	if t.MinSpread.IsNegative() {
		errs = append(errs, "trading: min_spread must be >= 0")
	}
	if t.MinProfitMargin.IsNegative() {
		errs = append(errs, "trading: min_profit_margin must be >= 0")
	}
	if !t.MinAmount.IsPositive() {
		errs = append(errs, "trading: min_amount must be > 0")
	}
	if t.MaxAmount.LessThan(t.MinAmount.Decimal) {
		errs = append(errs, "trading: max_amount must be >= min_amount")
	}

	// Monitoring
	m := c.Monitoring
	if m.DetectionInterval.Duration <= 0 {
		errs = append(errs, "monitoring: detection_interval must be > 0")
	}
	if m.ConfirmationInterval.Duration <= 0 {
		errs = append(errs, "monitoring: confirmation_interval must be > 0")
	}
	if m.MaxConfirmationAttempts < 1 {
		errs = append(errs, "monitoring: max_confirmation_attempts must be >= 1")
	}
	if m.QuoteStaleness.Duration <= 0 {
		errs = append(errs, "monitoring: quote_staleness must be > 0")
	}
	// The pair lock is refreshed every third of its TTL while an attempt
	// runs, so it only needs room for a few redis round trips.
	if m.PairLockTTL.Duration < minPairLockTTL {
		errs = append(errs, fmt.Sprintf("monitoring: pair_lock_ttl must be >= %s", minPairLockTTL))
	}

	// Venues
	if c.Mode != "stats" && len(c.Venues) < 2 {
		errs = append(errs, "venues: at least two venues are required")
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		label := v.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if v.ID == "" {
			errs = append(errs, fmt.Sprintf("venue %s: id must not be empty", label))
		}
		if seen[v.ID] {
			errs = append(errs, fmt.Sprintf("venue %s: duplicate id", label))
		}
		seen[v.ID] = true
		if !validVenueKinds[v.Kind] {
			errs = append(errs, fmt.Sprintf("venue %s: unknown kind %q (valid: evm, rest, paper)", label, v.Kind))
		}
		if v.PoolAddress == "" {
			errs = append(errs, fmt.Sprintf("venue %s: pool_address must not be empty", label))
		}
		if v.FeeRate.IsNegative() {
			errs = append(errs, fmt.Sprintf("venue %s: fee_rate must be >= 0", label))
		}
		if !v.MaxAmount.IsZero() && v.MaxAmount.LessThan(v.MinAmount.Decimal) {
			errs = append(errs, fmt.Sprintf("venue %s: max_amount must be >= min_amount", label))
		}
		switch v.Family {
		case "", "evm", "utxo", "account":
		default:
			errs = append(errs, fmt.Sprintf("venue %s: unknown family %q (valid: evm, utxo, account)", label, v.Family))
		}
		switch domain.VenueKind(v.Kind) {
		case domain.VenueKindEVM:
			if v.RPCURL == "" {
				errs = append(errs, fmt.Sprintf("venue %s: rpc_url is required for evm venues", label))
			}
			if v.KeyFile == "" {
				errs = append(errs, fmt.Sprintf("venue %s: key_file is required for evm venues", label))
			}
			if v.PriceURL == "" && v.PriceWSURL == "" {
				errs = append(errs, fmt.Sprintf("venue %s: price_url or price_ws_url is required for evm venues", label))
			}
		case domain.VenueKindREST:
			if v.APIURL == "" {
				errs = append(errs, fmt.Sprintf("venue %s: api_url is required for rest venues", label))
			}
		case domain.VenueKindPaper:
			if !v.PaperPrice.IsPositive() && v.PriceURL == "" && v.PriceWSURL == "" {
				errs = append(errs, fmt.Sprintf("venue %s: paper_price, price_url or price_ws_url is required for paper venues", label))
			}
		}
	}

	switch c.Oracle.Kind {
	case "static", "momentum":
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown kind %q (valid: static, momentum)", c.Oracle.Kind))
	}

	switch c.Ledger.Backend {
	case "wal":
		if c.Ledger.WALDir == "" {
			errs = append(errs, "ledger: wal_dir must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, "postgres: dsn is required for the postgres ledger")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: wal, postgres)", c.Ledger.Backend))
	}

	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must not be empty when bucket is set")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, "server: rate_limit_rps must be >= 0")
	}

	if len(errs) > 0 {
		return &domain.ConfigurationError{Problems: errs}
	}
	return nil
}

// DomainVenues converts the configured venues into domain values. Venues
// without their own bounds inherit the trading bounds.
func (c *Config) DomainVenues() []domain.Venue {
	out := make([]domain.Venue, 0, len(c.Venues))
	for _, v := range c.Venues {
		minAmt, maxAmt := v.MinAmount.Decimal, v.MaxAmount.Decimal
		if minAmt.IsZero() {
			minAmt = c.Trading.MinAmount.Decimal
		}
		if maxAmt.IsZero() {
			maxAmt = c.Trading.MaxAmount.Decimal
		}
		asset := v.AssetAddress
		if asset == "" {
			asset = c.Trading.Asset
		}
		out = append(out, domain.Venue{
			ID:          v.ID,
			Kind:        domain.VenueKind(v.Kind),
			Asset:       asset,
			FeeRate:     v.FeeRate.Decimal,
			MinAmount:   minAmt,
			MaxAmount:   maxAmt,
			PoolAddress: v.PoolAddress,
		})
	}
	return out
}
