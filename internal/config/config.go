// Package config содержит логику чтения конфигурации движка расчётов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Config содержит параметры конфигурации движка расчётов.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// Финансовые константы фиксируются на старте процесса и не меняются
	// в течение его жизни.
	Withhold33      bool   `env:"WITHHOLD_33" envDefault:"true"`
	PlatformFeeBp   int64  `env:"PLATFORM_FEE_BP" envDefault:"1200"`
	PGFeeBp         int64  `env:"PG_FEE_BP" envDefault:"290"`
	SettlementDay   int    `env:"SETTLEMENT_DAY" envDefault:"10"`
	InfraCostPerMin int64  `env:"INFRA_COST_PER_MIN_KRW" envDefault:"5"`
	Timezone        string `env:"SETTLEMENT_TIMEZONE" envDefault:"Asia/Seoul"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных
// окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env опционален: в продакшене переменные приходят из окружения.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envWebhookSecret := cfg.WebhookSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "payment provider webhook secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.PlatformFeeBp < 0 || cfg.PlatformFeeBp > 10000 {
		return nil, fmt.Errorf("platform fee %d bp out of range", cfg.PlatformFeeBp)
	}
	if cfg.PGFeeBp < 0 || cfg.PGFeeBp > 10000 {
		return nil, fmt.Errorf("pg fee %d bp out of range", cfg.PGFeeBp)
	}
	if cfg.SettlementDay < 1 || cfg.SettlementDay > 31 {
		return nil, fmt.Errorf("settlement day %d out of range", cfg.SettlementDay)
	}
	if cfg.InfraCostPerMin < 0 {
		return nil, fmt.Errorf("infra cost per minute must be non-negative")
	}

	return cfg, nil
}

// RuntimeConfig собирает финансовые константы рантайма из конфигурации процесса.
func (c *Config) RuntimeConfig() *model.RuntimeConfig {
	return &model.RuntimeConfig{
		Withhold33:      c.Withhold33,
		PlatformFeeBp:   c.PlatformFeeBp,
		PGFeeBp:         c.PGFeeBp,
		SettlementDay:   c.SettlementDay,
		InfraCostPerMin: c.InfraCostPerMin,
		Timezone:        c.Timezone,
	}
}
