package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	SSLMode     string
	RedisHost   string
	RedisPort   string
	NatsHost    string
	NatsPort    string
	ApiPort     string
	ApiEnabled  string
	BusProvider string
	GRPCHost    string
	GRPCPort    string
	GRPCListen  string

	AdminToken      string
	AdNetworkSecret string
	AdUnitsFile     string

	SessionMaxLifetime time.Duration
	SessionMaxRisk     float64

	WithdrawalMin     decimal.Decimal
	WithdrawalFee     decimal.Decimal
	WithdrawalMaxRisk float64
	PayoutDelay       time.Duration

	ReconcileInterval time.Duration
	OutboxInterval    time.Duration
	OutboxBatch       int
	ExpireInterval    time.Duration

	LogLevel         string
	LogFormat        string
	LogIncludeCaller bool
}

// New loads and validates configuration from environment variables.
// HTTP server is optional: if REWARD_API_ENABLED != "true", ApiAddr() returns an error
// and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		DBUser:      getenv("REWARD_POSTGRES_USER"),
		DBPass:      getenv("REWARD_POSTGRES_PASSWORD"),
		DBHost:      getenv("REWARD_POSTGRES_HOST"),
		DBPort:      p.str("REWARD_POSTGRES_PORT", "5432"),
		DBName:      getenv("REWARD_POSTGRES_DB"),
		SSLMode:     getenv("REWARD_POSTGRES_SSLMODE"),
		RedisHost:   getenv("REWARD_REDIS_HOST"),
		RedisPort:   getenv("REWARD_REDIS_PORT"),
		NatsHost:    getenv("REWARD_NATS_HOST"),
		NatsPort:    getenv("REWARD_NATS_PORT"),
		GRPCHost:    getenv("REWARD_GRPC_HOST"),
		GRPCPort:    getenv("REWARD_GRPC_PORT"),
		GRPCListen:  p.str("REWARD_GRPC_LISTEN", ":50051"),
		BusProvider: getenv("REWARD_BUS_PROVIDER"),
		ApiPort:     getenv("REWARD_API_PORT"),
		ApiEnabled:  getenv("REWARD_API_ENABLED"),

		AdminToken:      getenv("REWARD_ADMIN_TOKEN"),
		AdNetworkSecret: getenv("REWARD_ADNETWORK_SECRET"),
		AdUnitsFile:     getenv("REWARD_AD_UNITS_FILE"),

		SessionMaxLifetime: p.duration("REWARD_SESSION_MAX_LIFETIME", 30*time.Minute),
		SessionMaxRisk:     p.fraction("REWARD_SESSION_MAX_RISK", 0.8),

		WithdrawalMin:     p.amount("REWARD_WITHDRAWAL_MIN", decimal.NewFromInt(10)),
		WithdrawalFee:     p.amount("REWARD_WITHDRAWAL_FEE", decimal.New(20, -2)),
		WithdrawalMaxRisk: p.fraction("REWARD_WITHDRAWAL_MAX_RISK", 0.7),
		PayoutDelay:       p.duration("REWARD_PAYOUT_DELAY", 24*time.Hour),

		ReconcileInterval: p.duration("REWARD_RECONCILE_INTERVAL", time.Hour),
		OutboxInterval:    p.duration("REWARD_OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatch:       p.integer("REWARD_OUTBOX_BATCH", 100),
		ExpireInterval:    p.duration("REWARD_EXPIRE_INTERVAL", time.Minute),

		LogLevel:         p.str("REWARD_LOG_LEVEL", "info"),
		LogFormat:        p.str("REWARD_LOG_FORMAT", "text"),
		LogIncludeCaller: p.boolean("REWARD_LOG_INCLUDE_CALLER", false),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: REWARD_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: REWARD_REDIS_HOST/PORT")
	}

	// Required: bus provider
	if cfg.BusProvider == "" {
		return nil, fmt.Errorf("missing required env: REWARD_BUS_PROVIDER (nats|grpc)")
	}
	if cfg.BusProvider != "nats" && cfg.BusProvider != "grpc" {
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats' or 'grpc'", cfg.BusProvider)
	}
	if cfg.BusProvider == "grpc" && (cfg.GRPCHost == "" || cfg.GRPCPort == "") {
		return nil, fmt.Errorf("missing required env for grpc bus: REWARD_GRPC_HOST/PORT")
	}
	if cfg.BusProvider == "nats" && (cfg.NatsHost == "" || cfg.NatsPort == "") {
		return nil, fmt.Errorf("missing required env for nats bus: REWARD_NATS_HOST/PORT")
	}

	if cfg.PayoutDelay < 24*time.Hour || cfg.PayoutDelay > 72*time.Hour {
		return nil, fmt.Errorf("REWARD_PAYOUT_DELAY must be between 24h and 72h, got %s", cfg.PayoutDelay)
	}
	if cfg.OutboxBatch < 1 {
		return nil, fmt.Errorf("REWARD_OUTBOX_BATCH must be positive, got %d", cfg.OutboxBatch)
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// GRPCAddr is the remote EventService the grpc bus publishes to.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if REWARD_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("REWARD_API_PORT is required when REWARD_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (REWARD_API_ENABLED != true)")
}

// parser collects every malformed value so one run reports them all.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) fraction(key string, def float64) float64 {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		p.errs = append(p.errs, fmt.Errorf("%s: want a number in [0,1], got %q", key, v))
		return def
	}
	return f
}

func (p *parser) amount(key string, def decimal.Decimal) decimal.Decimal {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid amount %q", key, v))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}
