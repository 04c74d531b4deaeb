// Package config loads the runner settings from an optional .env file, an
// optional TOML file and the environment, in that order of precedence from
// lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type DichotomyConfig struct {
	Precision             float64 `toml:"precision"`
	MaxIterationsByBorder int     `toml:"max_iterations_by_border"`
}

type NATSConfig struct {
	URL                   string `toml:"url"`
	Name                  string `toml:"name"`
	QueueGroup            string `toml:"queue_group"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	InterruptKey string `toml:"interrupt_key"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type InfluxConfig struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Org    string `toml:"org"`
	Bucket string `toml:"bucket"`
}

type EtcdConfig struct {
	Endpoints       []string `toml:"endpoints"`
	Prefix          string   `toml:"prefix"`
	LeaseTTLSeconds int      `toml:"lease_ttl_seconds"`
}

type MinioConfig struct {
	Endpoint         string `toml:"endpoint"`
	AccessKey        string `toml:"access_key"`
	SecretKey        string `toml:"secret_key"`
	Bucket           string `toml:"bucket"`
	UseSSL           bool   `toml:"use_ssl"`
	URLExpiryMinutes int    `toml:"url_expiry_minutes"`
}

type BreakerConfig struct {
	MaxFailures    int `toml:"max_failures"`
	TimeoutSeconds int `toml:"timeout_seconds"`
	HalfOpenMax    int `toml:"half_open_max"`
}

// Config holds every runner setting. Empty service sections disable the
// matching integration.
type Config struct {
	Port             string          `toml:"port"`
	LogLevel         string          `toml:"log_level"`
	Development      bool            `toml:"development"`
	JWTSecret        string          `toml:"jwt_secret"`
	RaoParametersURL string          `toml:"rao_parameters_url"`
	Dichotomy        DichotomyConfig `toml:"dichotomy"`
	NATS             NATSConfig      `toml:"nats"`
	Redis            RedisConfig     `toml:"redis"`
	Database         DatabaseConfig  `toml:"database"`
	Influx           InfluxConfig    `toml:"influx"`
	Etcd             EtcdConfig      `toml:"etcd"`
	Minio            MinioConfig     `toml:"minio"`
	Breaker          BreakerConfig   `toml:"breaker"`
}

// Default returns the settings used when nothing overrides them
func Default() Config {
	return Config{
		Port:     "8080",
		LogLevel: "info",
		Dichotomy: DichotomyConfig{
			Precision:             50,
			MaxIterationsByBorder: 10,
		},
		NATS: NATSConfig{
			URL:                   "nats://localhost:4222",
			Name:                  "csa-runner",
			QueueGroup:            "csa-runners",
			RequestTimeoutSeconds: 600,
		},
		Etcd: EtcdConfig{
			Prefix:          "/csa/tasks/",
			LeaseTTLSeconds: 30,
		},
		Minio: MinioConfig{
			Bucket:           "csa",
			URLExpiryMinutes: 7 * 24 * 60,
		},
		Breaker: BreakerConfig{
			MaxFailures:    5,
			TimeoutSeconds: 30,
			HalfOpenMax:    1,
		},
	}
}

// Load reads .env when present, then the TOML file at path when path is not
// empty, then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse TOML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.RaoParametersURL, "RAO_PARAMETERS_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.Redis.Addr, "REDIS_URL")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Influx.URL, "INFLUXDB_URL")
	setString(&c.Influx.Token, "INFLUXDB_TOKEN")
	setString(&c.Influx.Org, "INFLUXDB_ORG")
	setString(&c.Influx.Bucket, "INFLUXDB_BUCKET")
	setString(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	setString(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	setString(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	setString(&c.Minio.Bucket, "MINIO_BUCKET")
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = strings.Split(v, ",")
	}

	if err := setBool(&c.Development, "DEVELOPMENT"); err != nil {
		return err
	}
	if err := setBool(&c.Minio.UseSSL, "MINIO_USE_SSL"); err != nil {
		return err
	}
	if err := setFloat(&c.Dichotomy.Precision, "DICHOTOMY_PRECISION"); err != nil {
		return err
	}
	return setInt(&c.Dichotomy.MaxIterationsByBorder, "DICHOTOMY_MAX_ITERATIONS_BY_BORDER")
}

// Validate checks the search parameters
func (c Config) Validate() error {
	if c.Dichotomy.Precision <= 0 {
		return fmt.Errorf("dichotomy precision must be positive, got %v", c.Dichotomy.Precision)
	}
	if c.Dichotomy.MaxIterationsByBorder < 1 {
		return fmt.Errorf("dichotomy max iterations by border must be at least 1, got %d", c.Dichotomy.MaxIterationsByBorder)
	}
	if c.Minio.Endpoint != "" && c.Minio.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	return nil
}

// RequestTimeout is how long a remote computation may take
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.NATS.RequestTimeoutSeconds) * time.Second
}

// URLExpiry is the lifetime of presigned artifact URLs
func (c Config) URLExpiry() time.Duration {
	return time.Duration(c.Minio.URLExpiryMinutes) * time.Minute
}

// BreakerTimeout is how long an open breaker waits before probing again
func (c Config) BreakerTimeout() time.Duration {
	return time.Duration(c.Breaker.TimeoutSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}
