// Package config loads anchord settings from configs/anchord.yaml and the
// environment. Keys map to env vars with "." replaced by "_", for example
// DATABASE_URL or LEDGER_ENDPOINT.
package config

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/events"
	"github.com/safetrip/idanchor/internal/health"
	"github.com/safetrip/idanchor/internal/ledger"
)

// Ledger modes.
const (
	LedgerSimulated = "simulated"
	LedgerRPC       = "rpc"
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Anchor   AnchorConfig   `mapstructure:"anchor"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Events   EventsConfig   `mapstructure:"events"`
	Health   HealthConfig   `mapstructure:"health"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig selects Postgres storage. An empty URL keeps all state in
// memory, which is only suitable for development.
type DatabaseConfig struct {
	URL         string        `mapstructure:"url"`
	MaxConns    int32         `mapstructure:"max_conns"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
	IdleTime    time.Duration `mapstructure:"max_conn_idle_time"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LedgerConfig struct {
	Mode            string        `mapstructure:"mode"`
	Endpoint        string        `mapstructure:"endpoint"`
	HealthURL       string        `mapstructure:"health_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	ChainID         int64         `mapstructure:"chain_id"`
	ContractAddress string        `mapstructure:"contract_address"`
	KeyID           string        `mapstructure:"key_id"`
	PrivateKeyFile  string        `mapstructure:"private_key_file"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ConfirmAfter    int           `mapstructure:"confirm_after"`
	OAuth2          OAuth2Config  `mapstructure:"oauth2"`
}

type OAuth2Config struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
}

type AnchorConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	Lease          time.Duration `mapstructure:"lease"`
	WorkerInterval time.Duration `mapstructure:"worker_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type AuditConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

type EventsConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
}

type KafkaConfig struct {
	Brokers         string        `mapstructure:"brokers"`
	Topic           string        `mapstructure:"topic"`
	Acks            string        `mapstructure:"acks"`
	Retries         int           `mapstructure:"retries"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type HealthConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	FailThreshold int           `mapstructure:"fail_threshold"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.development", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.max_conn_idle_time", "5m")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("ledger.mode", LedgerSimulated)
	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.health_url", "")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.rate_limit", 10.0)
	v.SetDefault("ledger.burst", 5)
	v.SetDefault("ledger.token_ttl", "1m")
	v.SetDefault("ledger.confirm_after", 2)

	v.SetDefault("anchor.max_attempts", 5)
	v.SetDefault("anchor.base_backoff", "2s")
	v.SetDefault("anchor.max_backoff", "5m")
	v.SetDefault("anchor.receipt_timeout", "2m")
	v.SetDefault("anchor.poll_interval", "5s")
	v.SetDefault("anchor.call_timeout", "10s")
	v.SetDefault("anchor.lease", "1m")
	v.SetDefault("anchor.worker_interval", "1s")
	v.SetDefault("anchor.batch_size", 50)
	v.SetDefault("anchor.concurrency", 8)

	v.SetDefault("audit.interval", "1m")
	v.SetDefault("audit.stale_after", "5m")
	v.SetDefault("audit.batch_size", 200)
	v.SetDefault("audit.concurrency", 4)
	v.SetDefault("audit.call_timeout", "10s")

	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.evict_interval", "1m")

	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.publish_timeout", "10s")
	v.SetDefault("events.kafka.brokers", "")
	v.SetDefault("events.kafka.topic", "idanchor.events")
	v.SetDefault("events.kafka.acks", "all")
	v.SetDefault("events.kafka.retries", 5)
	v.SetDefault("events.kafka.delivery_timeout", "30s")
	v.SetDefault("events.webhook.url", "")
	v.SetDefault("events.webhook.secret", "")

	v.SetDefault("health.interval", "15s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.fail_threshold", 3)
}

// Load reads configs/anchord.yaml (or ./anchord.yaml, or the file named by
// path) and the environment. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("anchord")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerSimulated:
	case LedgerRPC:
		if c.Ledger.Endpoint == "" {
			return errors.New("config: ledger.endpoint is required in rpc mode")
		}
		if c.Ledger.PrivateKeyFile == "" {
			return errors.New("config: ledger.private_key_file is required in rpc mode")
		}
	default:
		return fmt.Errorf("config: unknown ledger.mode %q", c.Ledger.Mode)
	}
	if c.Events.Webhook.URL != "" && c.Events.Webhook.Secret == "" {
		return errors.New("config: events.webhook.secret is required with a webhook url")
	}
	return nil
}

// ── Component views ──────────────────────────────────────────────────────

// EngineConfig returns the anchoring engine settings.
func (c *Config) EngineConfig() anchor.Config {
	a := c.Anchor
	return anchor.Config{
		MaxAttempts:    a.MaxAttempts,
		BaseBackoff:    a.BaseBackoff,
		MaxBackoff:     a.MaxBackoff,
		ReceiptTimeout: a.ReceiptTimeout,
		PollInterval:   a.PollInterval,
		CallTimeout:    a.CallTimeout,
		Lease:          a.Lease,
	}
}

// ReconcilerConfig returns the audit reconciler settings.
func (c *Config) ReconcilerConfig() audit.Config {
	a := c.Audit
	return audit.Config{
		Interval:    a.Interval,
		StaleAfter:  a.StaleAfter,
		BatchSize:   a.BatchSize,
		Concurrency: a.Concurrency,
		CallTimeout: a.CallTimeout,
	}
}

// KafkaConfig returns the Kafka sink settings.
func (c *Config) KafkaConfig() events.KafkaConfig {
	k := c.Events.Kafka
	return events.KafkaConfig{
		Brokers:         k.Brokers,
		Topic:           k.Topic,
		Acks:            k.Acks,
		Retries:         k.Retries,
		DeliveryTimeout: k.DeliveryTimeout,
	}
}

// HealthConfig returns the dependency checker settings.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		CheckInterval: c.Health.Interval,
		ProbeTimeout:  c.Health.ProbeTimeout,
		FailThreshold: c.Health.FailThreshold,
	}
}

// RPCConfig returns the gateway client settings. OAuth2 is set only when a
// client id is configured.
func (c *Config) RPCConfig() ledger.RPCConfig {
	l := c.Ledger
	rc := ledger.RPCConfig{
		Endpoint:  l.Endpoint,
		Timeout:   l.Timeout,
		RateLimit: l.RateLimit,
		Burst:     l.Burst,
	}
	if l.OAuth2.ClientID != "" {
		rc.OAuth2 = &clientcredentials.Config{
			ClientID:     l.OAuth2.ClientID,
			ClientSecret: l.OAuth2.ClientSecret,
			TokenURL:     l.OAuth2.TokenURL,
			Scopes:       l.OAuth2.Scopes,
		}
	}
	return rc
}

// Signer loads the signing key and returns the ledger signer.
func (c *Config) Signer() (ledger.SignerConfig, error) {
	key, err := LoadECKey(c.Ledger.PrivateKeyFile)
	if err != nil {
		return ledger.SignerConfig{}, err
	}
	s := ledger.SignerConfig{
		ChainID:         c.Ledger.ChainID,
		ContractAddress: c.Ledger.ContractAddress,
		KeyID:           c.Ledger.KeyID,
		PrivateKey:      key,
		TokenTTL:        c.Ledger.TokenTTL,
	}
	return s, s.Validate()
}

// LoadECKey reads a PEM encoded EC private key in SEC 1 or PKCS #8 form.
func LoadECKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signer key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("signer key %s: no PEM block", path)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signer key %s is not an EC key", path)
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("signer key %s: unexpected PEM type %q", path, block.Type)
	}
}
