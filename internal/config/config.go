// Package config содержит логику чтения конфигурации сервиса криптоплатежей.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса криптоплатежей.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	FeedAddress        string `env:"FEED_ADDRESS"`
	RateServiceAddress string `env:"RATE_SERVICE_ADDRESS"`

	FeedAPIKey     string `env:"FEED_API_KEY"`
	FeedSecretKey  string `env:"FEED_SECRET_KEY"`
	FeedPassphrase string `env:"FEED_PASSPHRASE"`

	RateAPIKey string `env:"RATE_API_KEY"`

	TelegramAPIAddress string `env:"TELEGRAM_API_ADDRESS"`
	TelegramToken      string `env:"TELEGRAM_TOKEN"`
	TelegramChannelID  int64  `env:"TELEGRAM_CHANNEL_ID"`

	AuthSecret string `env:"AUTH_SECRET"`
	AdminToken string `env:"ADMIN_TOKEN"`

	PaymentWindow time.Duration `env:"PAYMENT_WINDOW"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`

	TONAddress string `env:"TON_ADDRESS"`
	TONMemo    string `env:"TON_MEMO"`
	LTCAddress string `env:"LTC_ADDRESS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envFeedAddress := cfg.FeedAddress
	envRateAddress := cfg.RateServiceAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FeedAddress, "f", "", "deposit feed websocket address")
	flag.StringVar(&cfg.RateServiceAddress, "r", "", "rate service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envFeedAddress != "" {
		cfg.FeedAddress = envFeedAddress
	}
	if envRateAddress != "" {
		cfg.RateServiceAddress = envRateAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.TelegramAPIAddress == "" {
		cfg.TelegramAPIAddress = "https://api.telegram.org"
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 45 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 6 * time.Hour
	}

	return cfg, nil
}
