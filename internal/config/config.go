// Package config loads the matcher configuration from defaults, an optional
// YAML file and COZY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cozy/connections/internal/matching"
)

// EnvPrefix prefixes every environment variable, e.g. COZY_POSTGRES_DSN.
const EnvPrefix = "COZY"

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendDynamo   = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	Log struct {
		JSON  bool `mapstructure:"json"`
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"log"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr string `mapstructure:"addr"`
		DB   int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	NATS struct {
		URL  string `mapstructure:"url"`
		Name string `mapstructure:"name"`
	} `mapstructure:"nats"`

	// Store backs questions, answers and profiles.
	Store struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"store"`

	// Matches backs the match repository.
	Matches struct {
		Backend string `mapstructure:"backend"`
	} `mapstructure:"matches"`

	Dynamo struct {
		Table    string `mapstructure:"table"`
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"dynamo"`

	Policy matching.Policy `mapstructure:"policy"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AnswerCacheTTL time.Duration `mapstructure:"answer_cache_ttl"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	RateLimit struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"ratelimit"`
}

// SetDefaults registers every key with its default on v. Registering all
// keys also lets AutomaticEnv resolve them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	policy := matching.DefaultPolicy()

	v.SetDefault("log.json", false)
	v.SetDefault("log.debug", false)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "cozy-matcher")
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("matches.backend", BackendPostgres)
	v.SetDefault("dynamo.table", "cozy-matches")
	v.SetDefault("dynamo.region", "us-east-1")
	v.SetDefault("dynamo.endpoint", "")
	v.SetDefault("policy.suggest_threshold", policy.SuggestThreshold)
	v.SetDefault("policy.recommended_threshold", policy.RecommendedThreshold)
	v.SetDefault("policy.refresh_tolerance", policy.RefreshTolerance)
	v.SetDefault("request_timeout", 5*time.Second)
	v.SetDefault("answer_cache_ttl", 5*time.Minute)
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("ratelimit.enabled", true)
}

// Load reads the configuration into a Config. file may be empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backends, missing connection settings and
// out-of-range policy values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be postgres or memory", c.Store.Backend))
	}

	switch c.Matches.Backend {
	case BackendPostgres, BackendRedis, BackendMemory:
	case BackendDynamo:
		if c.Dynamo.Table == "" {
			errs = append(errs, errors.New("dynamo.table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("matches.backend %q must be postgres, redis, dynamodb or memory", c.Matches.Backend))
	}

	if c.UsesPostgres() && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
	}
	if c.Matches.Backend == BackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// UsesPostgres reports whether any backend needs a postgres connection.
func (c *Config) UsesPostgres() bool {
	return c.Store.Backend == BackendPostgres || c.Matches.Backend == BackendPostgres
}

// UsesRedis reports whether a redis connection is needed.
func (c *Config) UsesRedis() bool {
	return c.Matches.Backend == BackendRedis || c.RateLimit.Enabled || c.AnswerCacheTTL > 0
}
