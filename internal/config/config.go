// Package config loads the auction engine configuration from defaults, an
// optional app.env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all runtime settings of the engine.
type Config struct {
	Port        string        `mapstructure:"PORT"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	CacheTTL    time.Duration `mapstructure:"CACHE_TTL"`

	MinIncrement       int64         `mapstructure:"MIN_INCREMENT"`
	IncrementRate      string        `mapstructure:"INCREMENT_RATE"`
	ExtensionWindow    time.Duration `mapstructure:"EXTENSION_WINDOW"`
	ExtensionIncrement time.Duration `mapstructure:"EXTENSION_INCREMENT"`
	LockTimeout        time.Duration `mapstructure:"LOCK_TIMEOUT"`

	SweepInterval       time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RefundSweepInterval time.Duration `mapstructure:"REFUND_SWEEP_INTERVAL"`
	RefundBatch         int           `mapstructure:"REFUND_BATCH"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogJSON  bool   `mapstructure:"LOG_JSON"`
}

var defaults = map[string]any{
	"PORT":                  "8080",
	"DATABASE_URL":          "",
	"REDIS_URL":             "",
	"CACHE_TTL":             "30s",
	"MIN_INCREMENT":         1,
	"INCREMENT_RATE":        "0",
	"EXTENSION_WINDOW":      "2m",
	"EXTENSION_INCREMENT":   "2m",
	"LOCK_TIMEOUT":          "2s",
	"SWEEP_INTERVAL":        "15s",
	"REFUND_SWEEP_INTERVAL": "30s",
	"REFUND_BATCH":          100,
	"LOG_LEVEL":             "info",
	"LOG_JSON":              true,
}

// Load reads app.env from path (if present) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MinIncrement <= 0:
		return fmt.Errorf("config: MIN_INCREMENT must be positive, got %d", c.MinIncrement)
	case c.ExtensionWindow <= 0:
		return errors.New("config: EXTENSION_WINDOW must be positive")
	case c.ExtensionIncrement <= 0:
		return errors.New("config: EXTENSION_INCREMENT must be positive")
	case c.ExtensionIncrement < c.ExtensionWindow:
		return fmt.Errorf("config: EXTENSION_INCREMENT (%s) must not be shorter than EXTENSION_WINDOW (%s)",
			c.ExtensionIncrement, c.ExtensionWindow)
	case c.CacheTTL <= 0:
		return errors.New("config: CACHE_TTL must be positive")
	case c.LockTimeout <= 0:
		return errors.New("config: LOCK_TIMEOUT must be positive")
	case c.SweepInterval <= 0:
		return errors.New("config: SWEEP_INTERVAL must be positive")
	case c.RefundSweepInterval <= 0:
		return errors.New("config: REFUND_SWEEP_INTERVAL must be positive")
	case c.RefundBatch <= 0:
		return errors.New("config: REFUND_BATCH must be positive")
	}
	rate, err := c.Rate()
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return errors.New("config: INCREMENT_RATE must not be negative")
	}
	return nil
}

// Rate parses INCREMENT_RATE.
func (c Config) Rate() (decimal.Decimal, error) {
	if c.IncrementRate == "" {
		return decimal.Zero, nil
	}
	r, err := decimal.NewFromString(c.IncrementRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: INCREMENT_RATE: %w", err)
	}
	return r, nil
}
