package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Billing   BillingConfig   `yaml:"billing"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// BillingConfig tunes hold reservation and settlement retries.
type BillingConfig struct {
	Currency             string `yaml:"currency"`
	HoldEstimateMinutes  int    `yaml:"hold_estimate_minutes"`
	SettlementRetryBatch int    `yaml:"settlement_retry_batch"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "INR"
	}
	if cfg.Billing.HoldEstimateMinutes <= 0 {
		cfg.Billing.HoldEstimateMinutes = 30
	}
	if cfg.Billing.SettlementRetryBatch <= 0 {
		cfg.Billing.SettlementRetryBatch = 50
	}
	return &cfg, nil
}
