package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"gatekeeper/internal/registry"
	platformstrings "gatekeeper/pkg/platform/strings"
)

// Store kinds accepted by REGISTRY_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreBolt     = "bolt"
)

// DefaultRegistries are hosted when REGISTRY_NAMES is not set.
var DefaultRegistries = []string{"products.creators", "accessnft.managers", "training.creators"}

// Server captures process level configuration.
type Server struct {
	Addr            string        `env:"GATEKEEPER_ADDR"             envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL"                   envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"            envDefault:"10s"`

	HTTP     HTTPConfig
	JWT      JWTConfig
	Store    StoreConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Bolt     BoltConfig
	Kafka    KafkaConfig
	Audit    AuditConfig
	Registry RegistryConfig
}

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT"        envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT"       envDefault:"30s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT"        envDefault:"60s"`
}

type JWTConfig struct {
	SigningKey string        `env:"JWT_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	Issuer     string        `env:"JWT_ISSUER"      envDefault:"gatekeeper"`
	Audience   string        `env:"JWT_AUDIENCE"    envDefault:"gatekeeper-api"`
	TokenTTL   time.Duration `env:"JWT_TOKEN_TTL"   envDefault:"1h"`
}

type StoreConfig struct {
	Kind string `env:"REGISTRY_STORE" envDefault:"memory"`
}

type PostgresConfig struct {
	DSN   string `env:"POSTGRES_DSN"`
	Table string `env:"POSTGRES_TABLE" envDefault:"registry_snapshots"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
}

type BoltConfig struct {
	Path string `env:"BOLT_PATH" envDefault:"data/registry.db"`
}

// KafkaConfig enables the registry event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS"            envSeparator:","`
	Topic      string   `env:"KAFKA_TOPIC"              envDefault:"registry-events"`
	Partitions int32    `env:"KAFKA_TOPIC_PARTITIONS"   envDefault:"3"`
	Replicas   int16    `env:"KAFKA_TOPIC_REPLICATION"  envDefault:"1"`
}

type AuditConfig struct {
	// BufferSize > 0 makes audit emission asynchronous.
	BufferSize int `env:"AUDIT_BUFFER_SIZE" envDefault:"0"`
}

// RegistryConfig names the hosted registries and their initial owners.
// REGISTRY_OWNERS entries override DefaultOwner for a single registry.
type RegistryConfig struct {
	Names        []string          `env:"REGISTRY_NAMES"         envSeparator:","`
	DefaultOwner string            `env:"REGISTRY_DEFAULT_OWNER"`
	Owners       map[string]string `env:"REGISTRY_OWNERS"        envSeparator:"," envKeyValSeparator:"="`
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = platformstrings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// JWTFromEnv reads only the token settings, for tools that issue tokens
// without running the server.
func JWTFromEnv() (JWTConfig, error) {
	var cfg JWTConfig
	if err := env.Parse(&cfg); err != nil {
		return JWTConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements that tags cannot express.
func (c Server) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory, StoreBolt:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_STORE %q", c.Store.Kind))
	}
	if _, err := c.Registry.InitialOwners(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InitialOwners resolves every hosted registry to its initial owner. Registry
// names are case-insensitive.
func (c RegistryConfig) InitialOwners() (map[string]registry.Address, error) {
	overrides := make(map[string]string, len(c.Owners))
	for name, owner := range c.Owners {
		overrides[strings.ToLower(strings.TrimSpace(name))] = owner
	}

	names := c.Names
	if len(names) == 0 {
		names = DefaultRegistries
	}
	names = platformstrings.DedupeAndTrimLower(append(slices.Clone(names), slices.Collect(maps.Keys(overrides))...))

	owners := make(map[string]registry.Address, len(names))
	for _, name := range names {
		raw, ok := overrides[name]
		if !ok {
			raw = c.DefaultOwner
		}
		if raw == "" {
			return nil, fmt.Errorf("registry %q has no owner: set REGISTRY_DEFAULT_OWNER or REGISTRY_OWNERS", name)
		}
		addr, err := registry.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("owner of registry %q: %w", name, err)
		}
		if registry.IsZero(addr) {
			return nil, fmt.Errorf("owner of registry %q: %w", name, registry.ErrInvalidAddress)
		}
		owners[name] = addr
	}
	return owners, nil
}
