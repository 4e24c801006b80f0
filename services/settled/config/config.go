package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"paysettle/native/settlement"
	"paysettle/services/settled/exchange"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler, which the TOML decoder uses.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settled.
type Config struct {
	ListenAddress   string            `yaml:"listen" toml:"listen"`
	Owner           string            `yaml:"owner" toml:"owner"`
	Account         string            `yaml:"account" toml:"account"`
	PauseOnStart    bool              `yaml:"pause" toml:"pause"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	Slippage        SlippageConfig    `yaml:"slippage" toml:"slippage"`
	Custody         CustodyConfig     `yaml:"custody" toml:"custody"`
	Exchange        ExchangeConfig    `yaml:"exchange" toml:"exchange"`
	Audit           AuditConfig       `yaml:"audit" toml:"audit"`
	Idempotency     IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Auth            AuthConfig        `yaml:"auth" toml:"auth"`
	RateLimit       RateLimitConfig   `yaml:"rate_limit" toml:"rate_limit"`
	Log             LogConfig         `yaml:"log" toml:"log"`
}

// SlippageConfig bounds the engine's minimum-output policy.
type SlippageConfig struct {
	MinBps uint16 `yaml:"min_bps" toml:"min_bps"`
	MaxBps uint16 `yaml:"max_bps" toml:"max_bps"`
}

// CustodyConfig selects the balance store.
type CustodyConfig struct {
	// Backend is "memory" or "leveldb".
	Backend string        `yaml:"backend" toml:"backend"`
	Path    string        `yaml:"path" toml:"path"`
	Seed    []SeedBalance `yaml:"seed" toml:"seed"`
}

// SeedBalance funds an account at startup. A seed is skipped when the account
// already holds a balance of that asset, so restarts do not mint twice.
type SeedBalance struct {
	Asset   string `yaml:"asset" toml:"asset"`
	Account string `yaml:"account" toml:"account"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// ExchangeConfig configures the fixed-rate exchange.
type ExchangeConfig struct {
	Pool   string       `yaml:"pool" toml:"pool"`
	FeeBps uint16       `yaml:"fee_bps" toml:"fee_bps"`
	Rates  []RateConfig `yaml:"rates" toml:"rates"`
}

// RateConfig prices one ordered asset pair, e.g. rate "92/100".
type RateConfig struct {
	From string `yaml:"from" toml:"from"`
	To   string `yaml:"to" toml:"to"`
	Rate string `yaml:"rate" toml:"rate"`
}

// AuditConfig points the audit trail at a database. DSNs starting with
// postgres:// or postgresql:// use Postgres; anything else is a SQLite path.
type AuditConfig struct {
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// IdempotencyConfig configures the replay cache for settlement submissions.
type IdempotencyConfig struct {
	Path string   `yaml:"path" toml:"path"`
	TTL  Duration `yaml:"ttl" toml:"ttl"`
}

// AuthConfig configures bearer JWT verification.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       []string `yaml:"audience" toml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles each authenticated caller.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML; everything else is YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Audit.normalise(); err != nil {
		return cfg, fmt.Errorf("audit: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Slippage.MinBps == 0 {
		cfg.Slippage.MinBps = settlement.DefaultMinSlippageBps
	}
	if cfg.Slippage.MaxBps == 0 {
		cfg.Slippage.MaxBps = settlement.DefaultMaxSlippageBps
	}
	cfg.Custody.Backend = strings.ToLower(strings.TrimSpace(cfg.Custody.Backend))
	if cfg.Custody.Backend == "" {
		cfg.Custody.Backend = "memory"
	}
	if cfg.Audit.DSN == "" && cfg.Audit.DSNEnv == "" {
		cfg.Audit.DSN = "file::memory:?cache=shared"
	}
	if cfg.Idempotency.Path == "" {
		cfg.Idempotency.Path = "settled-idempotency.db"
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 60
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
}

func validate(cfg Config) error {
	if err := requireIdentity(cfg.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if err := requireIdentity(cfg.Account); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if cfg.Slippage.MaxBps > 10_000 {
		return fmt.Errorf("slippage.max_bps must not exceed 10000")
	}
	if cfg.Slippage.MinBps > cfg.Slippage.MaxBps {
		return fmt.Errorf("slippage.min_bps %d exceeds max_bps %d", cfg.Slippage.MinBps, cfg.Slippage.MaxBps)
	}
	switch cfg.Custody.Backend {
	case "memory":
	case "leveldb":
		if strings.TrimSpace(cfg.Custody.Path) == "" {
			return fmt.Errorf("custody.path must be configured for the leveldb backend")
		}
	default:
		return fmt.Errorf("custody.backend %q not supported", cfg.Custody.Backend)
	}
	for i, seed := range cfg.Custody.Seed {
		if !settlement.Asset(seed.Asset).Valid() {
			return fmt.Errorf("custody.seed[%d]: asset required", i)
		}
		if err := requireIdentity(seed.Account); err != nil {
			return fmt.Errorf("custody.seed[%d]: %w", i, err)
		}
		if _, err := settlement.ParseAmount(seed.Amount); err != nil {
			return fmt.Errorf("custody.seed[%d]: %w", i, err)
		}
	}
	if len(cfg.Exchange.Rates) > 0 {
		if err := requireIdentity(cfg.Exchange.Pool); err != nil {
			return fmt.Errorf("exchange.pool: %w", err)
		}
	}
	if cfg.Exchange.FeeBps >= 10_000 {
		return fmt.Errorf("exchange.fee_bps must be below 10000")
	}
	for i, rate := range cfg.Exchange.Rates {
		if strings.TrimSpace(rate.From) == "" || strings.TrimSpace(rate.To) == "" {
			return fmt.Errorf("exchange.rates[%d]: from and to are required", i)
		}
		if _, err := exchange.ParseRate(rate.Rate); err != nil {
			return fmt.Errorf("exchange.rates[%d]: %w", i, err)
		}
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured")
	}
	if len(cfg.Auth.HMACSecret) < 32 {
		return fmt.Errorf("auth.hmac_secret must be at least 32 bytes")
	}
	return nil
}

func requireIdentity(raw string) error {
	id, err := settlement.ParseIdentity(raw)
	if err != nil {
		return err
	}
	if id == settlement.ZeroIdentity {
		return fmt.Errorf("zero address not allowed")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("auth configuration missing")
	}
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.HMACSecretFile = strings.TrimSpace(a.HMACSecretFile)
	a.Issuer = strings.TrimSpace(a.Issuer)
	if a.HMACSecret != "" {
		return nil
	}
	switch {
	case a.HMACSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case a.HMACSecretFile != "":
		contents, err := os.ReadFile(a.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AuditConfig) normalise() error {
	a.DSN = strings.TrimSpace(a.DSN)
	a.DSNEnv = strings.TrimSpace(a.DSNEnv)
	if a.DSN != "" || a.DSNEnv == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(a.DSNEnv))
	if value == "" {
		return fmt.Errorf("dsn_env %s is empty", a.DSNEnv)
	}
	a.DSN = value
	return nil
}
