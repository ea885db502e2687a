package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"otp-service/internal/util"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Clickhouse    ClickhouseConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Logging       LoggingConfig
	OTP           OTPConfig
	Reconcile     ReconcileConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// OTPConfig carries the code policy and verification windows.
type OTPConfig struct {
	StaticMode      bool
	StaticCode      string
	ExpirySeconds   int
	CooldownSeconds int
	MaxAttempts     int
	CodeLength      int
	RetentionDays   int
	Pepper          string
}

// ReconcileConfig controls the background expiry sweep and retention cleanup.
type ReconcileConfig struct {
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	BatchSize        int
	MaxRunDuration   time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment, loading .env first in
// non-production setups. Safe to call repeatedly; the first call wins.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// .env is a development convenience; absence is not an error.
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: util.GetEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         util.GetEnvInt("SERVER_PORT", 8080),
				TLSPort:      util.GetEnvInt("SERVER_TLS_PORT", 8443),
				ReadTimeout:  time.Duration(util.GetEnvInt("SERVER_READ_TIMEOUT_SECONDS", 15)) * time.Second,
				WriteTimeout: time.Duration(util.GetEnvInt("SERVER_WRITE_TIMEOUT_SECONDS", 15)) * time.Second,
				IdleTimeout:  time.Duration(util.GetEnvInt("SERVER_IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
				EnableTLS:    util.GetEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     util.GetEnvBool("SERVER_AUTO_CERT", false),
				Domain:       util.GetEnv("SERVER_DOMAIN", ""),
				CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
				KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  util.GetEnv("SERVER_AUTOCERT_DIR", "/var/cache/autocert"),
				Email:        util.GetEnv("SERVER_ACME_EMAIL", ""),
			},
			Redis: RedisConfig{
				URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
				Password: util.GetEnv("REDIS_PASSWORD", ""),
				DB:       util.GetEnvInt("REDIS_DB", 0),
				PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    splitList(util.GetEnv("SCYLLA_NODES", "localhost:9042")),
				Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "otp"),
				Username: util.GetEnv("SCYLLA_USERNAME", ""),
				Password: util.GetEnv("SCYLLA_PASSWORD", ""),
			},
			Clickhouse: ClickhouseConfig{
				URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: util.GetEnv("CLICKHOUSE_DATABASE", "otp_analytics"),
				Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Brokers: splitList(util.GetEnv("KAFKA_BROKERS", "localhost:9092")),
				Topic:   util.GetEnv("KAFKA_OTP_TOPIC", "otp-events"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username: util.GetEnv("ELASTICSEARCH_USERNAME", ""),
				Password: util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			},
			Logging: LoggingConfig{
				Level:  util.GetEnv("LOG_LEVEL", "info"),
				Format: util.GetEnv("LOG_FORMAT", "json"),
			},
			OTP: OTPConfig{
				StaticMode:      util.GetEnvBool("OTP_STATIC_MODE", false),
				StaticCode:      util.GetEnv("OTP_STATIC_CODE", "1111"),
				ExpirySeconds:   util.GetEnvInt("OTP_EXPIRY_SECONDS", 300),
				CooldownSeconds: util.GetEnvInt("OTP_COOLDOWN_SECONDS", 60),
				MaxAttempts:     util.GetEnvInt("OTP_MAX_ATTEMPTS", 3),
				CodeLength:      util.GetEnvInt("OTP_CODE_LENGTH", 6),
				RetentionDays:   util.GetEnvInt("OTP_RETENTION_DAYS", 90),
				Pepper:          util.GetEnv("OTP_HASH_PEPPER", "dev-only-pepper"),
			},
			Reconcile: ReconcileConfig{
				SweepInterval:    time.Duration(util.GetEnvInt("RECONCILE_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute,
				CleanupInterval:  time.Duration(util.GetEnvInt("RECONCILE_CLEANUP_INTERVAL_HOURS", 24)) * time.Hour,
				BatchSize:        util.GetEnvInt("RECONCILE_BATCH_SIZE", 500),
				MaxRunDuration:   time.Duration(util.GetEnvInt("RECONCILE_MAX_RUN_SECONDS", 120)) * time.Second,
				RetryBaseDelay:   time.Duration(util.GetEnvInt("RECONCILE_RETRY_BASE_MS", 200)) * time.Millisecond,
				RetryMaxDelay:    time.Duration(util.GetEnvInt("RECONCILE_RETRY_MAX_MS", 5000)) * time.Millisecond,
				RetryMaxAttempts: util.GetEnvInt("RECONCILE_RETRY_MAX_ATTEMPTS", 5),
			},
		}
	})

	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength)
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive, got %d", c.OTP.MaxAttempts)
	}
	if c.OTP.ExpirySeconds <= 0 {
		return fmt.Errorf("OTP_EXPIRY_SECONDS must be positive, got %d", c.OTP.ExpirySeconds)
	}
	if c.OTP.StaticMode && c.IsProduction() {
		return fmt.Errorf("OTP_STATIC_MODE is not allowed in production")
	}
	if c.OTP.StaticMode && len(c.OTP.StaticCode) == 0 {
		return fmt.Errorf("OTP_STATIC_CODE must be set when OTP_STATIC_MODE is enabled")
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
