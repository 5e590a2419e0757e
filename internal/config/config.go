package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const envPrefix = "TRADEFLOW_"

// Config is the service configuration, read from tradeflow.yml and
// TRADEFLOW_* environment variables. An empty DatabaseURL runs the API
// with in-memory storage; an empty RedisURL keeps pools in memory.
type Config struct {
	Addr        string        `yaml:"addr" koanf:"addr"`
	DatabaseURL string        `yaml:"database_url" koanf:"database_url"`
	RedisURL    string        `yaml:"redis_url" koanf:"redis_url"`
	PoolTTL     time.Duration `yaml:"pool_ttl" koanf:"pool_ttl"`
	ReposDir    string        `yaml:"repos_dir" koanf:"repos_dir"`
	CORSOrigin  string        `yaml:"cors_origin" koanf:"cors_origin"`

	MeiliURL    string `yaml:"meili_url" koanf:"meili_url"`
	MeiliAPIKey string `yaml:"meili_api_key" koanf:"meili_api_key"`

	TemplatesDir   string `yaml:"templates_dir" koanf:"templates_dir"`
	MinioEndpoint  string `yaml:"minio_endpoint" koanf:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key" koanf:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key" koanf:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket" koanf:"minio_bucket"`
	MinioPrefix    string `yaml:"minio_prefix" koanf:"minio_prefix"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl" koanf:"minio_use_ssl"`

	LogLevel  string `yaml:"log_level" koanf:"log_level"`
	LogFormat string `yaml:"log_format" koanf:"log_format"`
}

func Default() *Config {
	return &Config{
		Addr:       ":8787",
		PoolTTL:    24 * time.Hour,
		ReposDir:   "./data/repos",
		CORSOrigin: "*",
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (TRADEFLOW_DATABASE_URL -> database_url).
// A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validFormats = map[string]bool{"json": true, "console": true}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	if c.PoolTTL < 0 {
		return fmt.Errorf("pool_ttl must be non-negative")
	}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("invalid log_format %q: must be json or console", c.LogFormat)
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.MinioEndpoint != "" && c.MinioBucket == "" {
		return fmt.Errorf("minio_bucket is required when minio_endpoint is set")
	}
	return nil
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.MeiliAPIKey != "" {
		masked.MeiliAPIKey = "********"
	}
	if masked.MinioSecretKey != "" {
		masked.MinioSecretKey = "********"
	}
	data, err := yamlv3.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}
