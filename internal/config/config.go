package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Pipeline PipelineConfig
	Filter   FilterConfig
	Backends map[string]map[string]string
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type PipelineConfig struct {
	SweepInterval        time.Duration
	StatusReportInterval time.Duration
	RetentionDays        int
	DeviceID             string
}

type FilterConfig struct {
	MonitorMode string
	Keywords    string
}

// LoadAll reads the whole configuration from the environment. All
// problems are collected and reported in one error.
func LoadAll() (*Config, error) {
	var errs []error

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: requireEnv("POSTGRES_URL", &errs),
		},
		Pipeline: PipelineConfig{
			SweepInterval:        time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60, &errs)) * time.Second,
			StatusReportInterval: time.Duration(getEnvInt("STATUS_REPORT_INTERVAL_SECONDS", 300, &errs)) * time.Second,
			RetentionDays:        getEnvInt("RETENTION_DAYS", 7, &errs),
			DeviceID:             os.Getenv("DEVICE_ID"),
		},
		Filter: FilterConfig{
			MonitorMode: getEnv("MONITOR_MODE", "keywords"),
			Keywords:    os.Getenv("KEYWORDS"),
		},
		Redis:    loadRedisConfig(&errs),
		Backends: loadBackendSeeds(),
	}

	validate(cfg, &errs)

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(errs *[]error) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0, errs),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400, errs)) * time.Second,
	}
}

// loadBackendSeeds maps env vars onto per-backend config values, the same
// shape the operator API accepts. Only set vars are seeded so saved
// config is not clobbered with empty strings.
func loadBackendSeeds() map[string]map[string]string {
	seeds := map[string]map[string]string{}

	add := func(backend, key, envName string) {
		if v := os.Getenv(envName); v != "" {
			if seeds[backend] == nil {
				seeds[backend] = map[string]string{}
			}
			seeds[backend][key] = v
		}
	}

	add("api", "enabled", "API_ENABLED")
	add("api", "server_url", "API_SERVER_URL")
	add("api", "api_key", "API_KEY")

	add("dingtalk", "enabled", "DINGTALK_ENABLED")
	add("dingtalk", "webhook_url", "DINGTALK_WEBHOOK_URL")
	add("dingtalk", "secret", "DINGTALK_SECRET")
	add("dingtalk", "template", "DINGTALK_TEMPLATE")

	add("feishu", "enabled", "FEISHU_ENABLED")
	add("feishu", "webhook_url", "FEISHU_WEBHOOK_URL")
	add("feishu", "secret", "FEISHU_SECRET")
	add("feishu", "template", "FEISHU_TEMPLATE")

	return seeds
}

func validate(cfg *Config, errs *[]error) {
	if cfg.Pipeline.SweepInterval <= 0 {
		*errs = append(*errs, errors.New("SWEEP_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Pipeline.StatusReportInterval <= 0 {
		*errs = append(*errs, errors.New("STATUS_REPORT_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Pipeline.RetentionDays <= 0 {
		*errs = append(*errs, errors.New("RETENTION_DAYS must be > 0"))
	}
	if mode := cfg.Filter.MonitorMode; mode != "all" && mode != "keywords" {
		*errs = append(*errs, fmt.Errorf("MONITOR_MODE must be all or keywords, got %q", mode))
	}
}

func requireEnv(key string, errs *[]error) string {
	val := os.Getenv(key)
	if val == "" {
		*errs = append(*errs, fmt.Errorf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid int for env %s: %s", key, v))
		return def
	}
	return i
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
