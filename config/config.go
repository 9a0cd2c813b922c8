/*
Package config loads server configuration from the environment.

PURPOSE:
  An optional .env file is loaded first (values already present in the
  process environment win), then the tagged Configuration struct is
  parsed. cmd/server flags override Address and DBPath afterwards.

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Configuration is the static configuration needed to run the server.
type Configuration struct {
	Address string `env:"ADDRESS" envDefault:":8080"`
	DBPath  string `env:"DB_PATH" envDefault:"commission.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// DefaultTimezone defines the local day of operators without their own zone.
	DefaultTimezone string `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepEnabled  bool          `env:"SWEEP_ENABLED" envDefault:"true"`

	RecomputeMaxAttempts  int           `env:"RECOMPUTE_MAX_ATTEMPTS" envDefault:"3"`
	RecomputeRetryBackoff time.Duration `env:"RECOMPUTE_RETRY_BACKOFF" envDefault:"100ms"`

	// Empty RedisAddr keeps the in-process lock.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	ApprovalRateLimit float64 `env:"APPROVAL_RATE_LIMIT" envDefault:"20"`
	ApprovalRateBurst int     `env:"APPROVAL_RATE_BURST" envDefault:"40"`

	GoalDefaultTarget int64  `env:"GOAL_DEFAULT_TARGET" envDefault:"125000"`
	GoalDefaultRate   string `env:"GOAL_DEFAULT_RATE" envDefault:"20"`

	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`
}

// Load reads files (default ".env" when present) and parses the environment.
func Load(files ...string) (*Configuration, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := Configuration{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env tags cannot express.
func (c *Configuration) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.GoalRate(); err != nil {
		return err
	}
	if c.RecomputeMaxAttempts < 1 {
		return errors.New("RECOMPUTE_MAX_ATTEMPTS must be >= 1")
	}
	if c.GoalDefaultTarget < 0 {
		return errors.New("GOAL_DEFAULT_TARGET must be >= 0")
	}
	return nil
}

// Location resolves DefaultTimezone.
func (c *Configuration) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_TIMEZONE %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// GoalRate parses GoalDefaultRate as a percentage.
func (c *Configuration) GoalRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.GoalDefaultRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GOAL_DEFAULT_RATE %q: %w", c.GoalDefaultRate, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, errors.New("GOAL_DEFAULT_RATE must be >= 0")
	}
	return rate, nil
}

// Origins splits CORSOrigins on commas.
func (c *Configuration) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
