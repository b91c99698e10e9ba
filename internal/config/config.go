package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"

	CredentialsStatic = "static"
	CredentialsMySQL  = "mysql"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Nonce    NonceConfig
	Digest   DigestConfig
}

type ServerConfig struct {
	Host         string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port         int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	Environment  string        `envconfig:"ENVIRONMENT" default:"development"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"3306"`
	User            string        `envconfig:"DB_USER" default:"app"`
	Password        string        `envconfig:"DB_PASSWORD" default:"apppassword"`
	Name            string        `envconfig:"DB_NAME" default:"nonce_guard"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// NonceConfig maps onto nonce.Config plus the ledger backend choice.
type NonceConfig struct {
	ValidityPeriod  time.Duration `envconfig:"NONCE_VALIDITY_PERIOD" default:"5m"`
	SingleUse       bool          `envconfig:"NONCE_SINGLE_USE" default:"false"`
	PrivateKeySize  int           `envconfig:"NONCE_PRIVATE_KEY_SIZE" default:"20"`
	DigestAlgorithm string        `envconfig:"NONCE_DIGEST_ALGORITHM" default:"SHA-256"`
	Ledger          string        `envconfig:"NONCE_LEDGER" default:"memory"`
	RedisPrefix     string        `envconfig:"NONCE_REDIS_PREFIX" default:"nonce"`
}

type DigestConfig struct {
	Realm       string            `envconfig:"DIGEST_REALM" default:"nonce-guard"`
	Algorithm   string            `envconfig:"DIGEST_ALGORITHM" default:"SHA-256"`
	Credentials string            `envconfig:"DIGEST_CREDENTIALS" default:"static"`
	Users       map[string]string `envconfig:"DIGEST_USERS"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations envconfig cannot express.
func (c *Config) Validate() error {
	if c.Nonce.ValidityPeriod <= 0 {
		return fmt.Errorf("NONCE_VALIDITY_PERIOD must be positive, got %s", c.Nonce.ValidityPeriod)
	}
	if c.Nonce.PrivateKeySize <= 0 {
		return fmt.Errorf("NONCE_PRIVATE_KEY_SIZE must be positive, got %d", c.Nonce.PrivateKeySize)
	}
	switch c.Nonce.Ledger {
	case LedgerMemory, LedgerRedis:
	default:
		return fmt.Errorf("NONCE_LEDGER must be %q or %q, got %q", LedgerMemory, LedgerRedis, c.Nonce.Ledger)
	}
	switch c.Digest.Credentials {
	case CredentialsStatic, CredentialsMySQL:
	default:
		return fmt.Errorf("DIGEST_CREDENTIALS must be %q or %q, got %q", CredentialsStatic, CredentialsMySQL, c.Digest.Credentials)
	}
	return nil
}

// NeedsRedis reports whether the configuration uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Nonce.Ledger == LedgerRedis
}

// NeedsDatabase reports whether the configuration uses MySQL.
func (c *Config) NeedsDatabase() bool {
	return c.Digest.Credentials == CredentialsMySQL
}
