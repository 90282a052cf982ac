// Package config содержит логику чтения конфигурации сервиса coinledger.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса coinledger.
type Config struct {
	DatabaseURI  string `env:"DATABASE_URI"`
	StoreAddress string `env:"STORE_ADDRESS"`

	SignupBonus int64 `env:"SIGNUP_BONUS"`
	ExpiryDays  int   `env:"COINS_EXPIRY_DAYS"`

	RateLimit  int           `env:"RATE_LIMIT"`
	RateWindow time.Duration `env:"RATE_WINDOW"`

	RefundOnFailure bool `env:"REFUND_ON_FAILURE"`

	AdminIDsRaw string  `env:"ADMIN_IDS"`
	AdminIDs    []int64 `env:"-"`
}

// ExpiryWindow возвращает окно действия монет как time.Duration.
func (c *Config) ExpiryWindow() time.Duration {
	return time.Duration(c.ExpiryDays) * 24 * time.Hour
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envDatabaseURI := cfg.DatabaseURI
	envStoreAddress := cfg.StoreAddress
	envSignupBonus := cfg.SignupBonus
	envExpiryDays := cfg.ExpiryDays
	envRateLimit := cfg.RateLimit
	envRateWindow := cfg.RateWindow
	envAdminIDs := cfg.AdminIDsRaw

	// Для числовых полей ноль — допустимое значение, поэтому приоритет
	// окружения определяется присутствием переменной, а не её значением.
	_, hasSignupBonus := os.LookupEnv("SIGNUP_BONUS")
	_, hasExpiryDays := os.LookupEnv("COINS_EXPIRY_DAYS")
	_, hasRateLimit := os.LookupEnv("RATE_LIMIT")
	_, hasRateWindow := os.LookupEnv("RATE_WINDOW")

	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StoreAddress, "s", "", "REST account store address (overrides direct database access)")
	flag.Int64Var(&cfg.SignupBonus, "b", 10, "signup bonus in coins")
	flag.IntVar(&cfg.ExpiryDays, "e", 30, "coin expiry window in days")
	flag.IntVar(&cfg.RateLimit, "l", 90, "shared downstream rate limit")
	flag.DurationVar(&cfg.RateWindow, "w", time.Minute, "rate limit window")
	flag.StringVar(&cfg.AdminIDsRaw, "admins", "", "comma-separated admin user IDs")

	flag.Parse()

	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStoreAddress != "" {
		cfg.StoreAddress = envStoreAddress
	}
	if hasSignupBonus {
		cfg.SignupBonus = envSignupBonus
	}
	if hasExpiryDays {
		cfg.ExpiryDays = envExpiryDays
	}
	if hasRateLimit {
		cfg.RateLimit = envRateLimit
	}
	if hasRateWindow {
		cfg.RateWindow = envRateWindow
	}
	if envAdminIDs != "" {
		cfg.AdminIDsRaw = envAdminIDs
	}

	if cfg.SignupBonus < 0 {
		return nil, fmt.Errorf("signup bonus must not be negative")
	}
	if cfg.ExpiryDays <= 0 {
		return nil, fmt.Errorf("expiry window must be positive")
	}
	if cfg.RateLimit <= 0 || cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("rate limit and window must be positive")
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("parse admin IDs: %w", err)
	}
	cfg.AdminIDs = ids

	return cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
