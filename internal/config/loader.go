package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CROSSARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CROSSARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Per-venue secrets use CROSSARB_VENUE_<ID>_* with the id upper-cased.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "CROSSARB_MODE")
	setStr(&cfg.Log.Level, "CROSSARB_LOG_LEVEL")
	setStr(&cfg.Log.Format, "CROSSARB_LOG_FORMAT")

	// ── Trading ──
	setStr(&cfg.Trading.Asset, "CROSSARB_TRADING_ASSET")
	setDecimal(&cfg.Trading.MinSpread, "CROSSARB_TRADING_MIN_SPREAD")
	setDecimal(&cfg.Trading.MinProfitMargin, "CROSSARB_TRADING_MIN_PROFIT_MARGIN")
	setDecimal(&cfg.Trading.MinAmount, "CROSSARB_TRADING_MIN_AMOUNT")
	setDecimal(&cfg.Trading.MaxAmount, "CROSSARB_TRADING_MAX_AMOUNT")
	setDecimal(&cfg.Trading.TransferFee, "CROSSARB_TRADING_TRANSFER_FEE")

	// ── Monitoring ──
	setDuration(&cfg.Monitoring.DetectionInterval, "CROSSARB_MONITORING_DETECTION_INTERVAL")
	setDuration(&cfg.Monitoring.ConfirmationInterval, "CROSSARB_MONITORING_CONFIRMATION_INTERVAL")
	setInt(&cfg.Monitoring.MaxConfirmationAttempts, "CROSSARB_MONITORING_MAX_CONFIRMATION_ATTEMPTS")
	setDuration(&cfg.Monitoring.QuoteStaleness, "CROSSARB_MONITORING_QUOTE_STALENESS")

	// ── Venues ──
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		prefix := "CROSSARB_VENUE_" + envKey(v.ID) + "_"
		setStr(&v.RPCURL, prefix+"RPC_URL")
		setStr(&v.KeyPassword, prefix+"KEY_PASSWORD")
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.APISecret, prefix+"API_SECRET")
		setStr(&v.PoolAddress, prefix+"POOL_ADDRESS")
		setStr(&v.PriceURL, prefix+"PRICE_URL")
		setStr(&v.PriceWSURL, prefix+"PRICE_WS_URL")
	}

	// ── Privacy ──
	setStr(&cfg.Privacy.ProverKeyHex, "CROSSARB_PRIVACY_PROVER_KEY_HEX")
	setStr(&cfg.Privacy.ProverKeyFile, "CROSSARB_PRIVACY_PROVER_KEY_FILE")
	setStr(&cfg.Privacy.ProverKeyPassword, "CROSSARB_PRIVACY_PROVER_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "CROSSARB_LEDGER_BACKEND")
	setStr(&cfg.Ledger.WALDir, "CROSSARB_LEDGER_WAL_DIR")
	setStr(&cfg.Ledger.PaperWALDir, "CROSSARB_LEDGER_PAPER_WAL_DIR")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CROSSARB_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "CROSSARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CROSSARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CROSSARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CROSSARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CROSSARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CROSSARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "CROSSARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CROSSARB_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "CROSSARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CROSSARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "CROSSARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CROSSARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CROSSARB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "CROSSARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CROSSARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CROSSARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "CROSSARB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CROSSARB_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CROSSARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CROSSARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CROSSARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CROSSARB_NOTIFY_EVENTS")
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(id))
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			dst.Decimal = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
