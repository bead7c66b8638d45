package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file values.
const (
	EnvSymbol      = "TRENDCORE_SYMBOL"
	EnvLabel       = "TRENDCORE_LABEL"
	EnvRiskAmount  = "TRENDCORE_RISK_AMOUNT"
	EnvRiskPercent = "TRENDCORE_RISK_PERCENT"
	EnvTimezone    = "TRENDCORE_TIMEZONE"
)

// Load reads a YAML file on top of Default(), applies environment
// overrides (a .env file in the working directory is honoured) and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := getEnv(EnvSymbol); v != "" {
		cfg.Symbol = v
	}
	if v := getEnv(EnvLabel); v != "" {
		cfg.Label = v
	}
	if v := getEnv(EnvTimezone); v != "" {
		cfg.Timezone = v
	}
	// A risk override replaces both inputs so the two modes stay exclusive.
	if v := getEnv(EnvRiskAmount); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRiskAmount, err)
		}
		cfg.Risk.Amount, cfg.Risk.Percent = f, 0
	}
	if v := getEnv(EnvRiskPercent); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRiskPercent, err)
		}
		cfg.Risk.Percent, cfg.Risk.Amount = f, 0
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
