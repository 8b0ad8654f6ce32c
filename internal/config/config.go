package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Credits   CreditsConfig   `yaml:"credits"`
	Providers ProvidersConfig `yaml:"providers"`
	Verify    VerifyConfig    `yaml:"verify"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Search    SearchConfig    `yaml:"search"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// PostgresURL backs the credit ledger (transactional path).
	PostgresURL string `yaml:"postgres_url"`
	// SupabaseURL/SupabaseKey back task, result and log persistence.
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CreditsConfig carries the fee schedule. All amounts are whole credits.
type CreditsConfig struct {
	BaseFee            int `yaml:"base_fee"`
	PerRecordFee       int `yaml:"per_record_fee"`
	ExactPerRecordFee  int `yaml:"exact_per_record_fee"`
	MaxRequestedCount  int `yaml:"max_requested_count"`
	SubmitsPerMinute   int `yaml:"submits_per_minute"`
}

type ProvidersConfig struct {
	SearchBaseURL  string `yaml:"search_base_url"`
	SearchToken    string `yaml:"search_token"`
	EnrichBaseURL  string `yaml:"enrich_base_url"`
	EnrichToken    string `yaml:"enrich_token"`
	ExactBaseURL   string `yaml:"exact_base_url"`
	ExactToken     string `yaml:"exact_token"`
	ScrapeProxyURL string `yaml:"scrape_proxy_url"`
	ScrapeToken    string `yaml:"scrape_token"`
	// SearchPollSeconds bounds the long-running bulk provider.
	SearchPollSeconds int `yaml:"search_poll_seconds"`
	// ScrapeTimeoutSeconds bounds a single scrape-proxy call.
	ScrapeTimeoutSeconds int `yaml:"scrape_timeout_seconds"`
}

type VerifyConfig struct {
	// TransportRetries is the retry count for network-level failures only;
	// 429/5xx pressure is absorbed by the executor tier.
	TransportRetries int `yaml:"transport_retries"`
}

type ExecutorConfig struct {
	BatchSize         int `yaml:"batch_size"`
	BatchDelayMs      int `yaml:"batch_delay_ms"`
	RetryDelayMs      int `yaml:"retry_delay_ms"`
	RetryBatchSize    int `yaml:"retry_batch_size"`
	RetryBatchDelayMs int `yaml:"retry_batch_delay_ms"`
	BackoffBaseMs     int `yaml:"backoff_base_ms"`
}

type SearchConfig struct {
	CacheTTLDays int `yaml:"cache_ttl_days"`
	// FulfillmentRatio is the minimum cached/total ratio to accept a cache hit.
	FulfillmentRatio float64 `yaml:"fulfillment_ratio"`
}

// LoadConfig reads the YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Missing file is fine; env vars carry the deployment config.
	} else {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Credits.BaseFee < 0 || cfg.Credits.PerRecordFee < 0 {
		return nil, fmt.Errorf("fees must be non-negative")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Credits: CreditsConfig{
			BaseFee:           1,
			PerRecordFee:      2,
			ExactPerRecordFee: 10,
			MaxRequestedCount: 500,
			SubmitsPerMinute:  10,
		},
		Providers: ProvidersConfig{
			SearchPollSeconds:    180,
			ScrapeTimeoutSeconds: 30,
		},
		Verify: VerifyConfig{TransportRetries: 1},
		Executor: ExecutorConfig{
			BatchSize:         30,
			BatchDelayMs:      500,
			RetryDelayMs:      3000,
			RetryBatchSize:    8,
			RetryBatchDelayMs: 800,
			BackoffBaseMs:     2000,
		},
		Search: SearchConfig{
			CacheTTLDays:     180,
			FulfillmentRatio: 0.80,
		},
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.PostgresURL, "DATABASE_URL")
	setStr(&cfg.Database.SupabaseURL, "SUPABASE_URL")
	setStr(&cfg.Database.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setStr(&cfg.Providers.SearchBaseURL, "SEARCH_API_URL")
	setStr(&cfg.Providers.SearchToken, "SEARCH_API_TOKEN")
	setStr(&cfg.Providers.EnrichBaseURL, "ENRICH_API_URL")
	setStr(&cfg.Providers.EnrichToken, "ENRICH_API_TOKEN")
	setStr(&cfg.Providers.ExactBaseURL, "EXACT_API_URL")
	setStr(&cfg.Providers.ExactToken, "EXACT_API_TOKEN")
	setStr(&cfg.Providers.ScrapeProxyURL, "SCRAPE_PROXY_URL")
	setStr(&cfg.Providers.ScrapeToken, "SCRAPE_PROXY_TOKEN")
	setInt(&cfg.Credits.BaseFee, "CREDITS_BASE_FEE")
	setInt(&cfg.Credits.PerRecordFee, "CREDITS_PER_RECORD_FEE")
	setInt(&cfg.Credits.ExactPerRecordFee, "CREDITS_EXACT_PER_RECORD_FEE")
}

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
