package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Storage backend names.
const (
	StorageMemory = "memory"
	StorageSQL    = "sql"
	StorageS3     = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// EncryptionConfig holds cipher defaults and the system key identities.
type EncryptionConfig struct {
	Cipher       string `yaml:"cipher" env:"ENCRYPTION_CIPHER"`               // Default cipher for new files
	LegacyCipher string `yaml:"legacy_cipher" env:"ENCRYPTION_LEGACY_CIPHER"` // Cipher assumed for content without a header
	InstanceID   string `yaml:"instance_id" env:"ENCRYPTION_INSTANCE_ID"`
	Secret       string `yaml:"secret" env:"ENCRYPTION_SECRET"`
	KeyPairBits  int    `yaml:"key_pair_bits" env:"ENCRYPTION_KEY_PAIR_BITS"`
	// Recovery key receives a wrapped copy of every new file key when enabled
	RecoveryEnabled  bool   `yaml:"recovery_enabled" env:"ENCRYPTION_RECOVERY_ENABLED"`
	RecoveryKeyID    string `yaml:"recovery_key_id" env:"ENCRYPTION_RECOVERY_KEY_ID"`
	PublicShareKeyID string `yaml:"public_share_key_id" env:"ENCRYPTION_PUBLIC_SHARE_KEY_ID"`
}

// StorageConfig selects where public keys, private key blobs and wrapped
// file keys are persisted.
type StorageConfig struct {
	Backend string    `yaml:"backend" env:"STORAGE_BACKEND"` // memory, sql, s3
	SQL     SQLConfig `yaml:"sql"`
	S3      S3Config  `yaml:"s3"`
}

// SQLConfig holds database/sql settings.
type SQLConfig struct {
	Driver      string `yaml:"driver" env:"STORAGE_SQL_DRIVER"` // sqlite3 or pgx
	DSN         string `yaml:"dsn" env:"STORAGE_SQL_DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"STORAGE_SQL_AUTO_MIGRATE"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Bucket       string `yaml:"bucket" env:"STORAGE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_S3_PREFIX"`
	Endpoint     string `yaml:"endpoint" env:"STORAGE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"STORAGE_S3_REGION"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_S3_USE_PATH_STYLE"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"` // Leave file paths out of spans
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Encryption: EncryptionConfig{
			Cipher:       "AES-256-CFB",
			LegacyCipher: "AES-128-CFB",
			KeyPairBits:  2048,
		},
		Storage: StorageConfig{
			Backend: StorageSQL,
			SQL: SQLConfig{
				Driver:      "sqlite3",
				DSN:         "encryption-keys.db",
				AutoMigrate: true,
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "encryption",
			},
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "multikey-encryption",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	// Encryption
	if v := os.Getenv("ENCRYPTION_CIPHER"); v != "" {
		config.Encryption.Cipher = v
	}
	if v := os.Getenv("ENCRYPTION_LEGACY_CIPHER"); v != "" {
		config.Encryption.LegacyCipher = v
	}
	if v := os.Getenv("ENCRYPTION_INSTANCE_ID"); v != "" {
		config.Encryption.InstanceID = v
	}
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		config.Encryption.Secret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_PAIR_BITS"); v != "" {
		if bits, err := strconv.Atoi(v); err == nil && bits > 0 {
			config.Encryption.KeyPairBits = bits
		}
	}
	if v := os.Getenv("ENCRYPTION_RECOVERY_ENABLED"); v != "" {
		config.Encryption.RecoveryEnabled = envBool(v)
	}
	if v := os.Getenv("ENCRYPTION_RECOVERY_KEY_ID"); v != "" {
		config.Encryption.RecoveryKeyID = v
	}
	if v := os.Getenv("ENCRYPTION_PUBLIC_SHARE_KEY_ID"); v != "" {
		config.Encryption.PublicShareKeyID = v
	}
	// Storage
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("STORAGE_SQL_DRIVER"); v != "" {
		config.Storage.SQL.Driver = v
	}
	if v := os.Getenv("STORAGE_SQL_DSN"); v != "" {
		config.Storage.SQL.DSN = v
	}
	if v := os.Getenv("STORAGE_SQL_AUTO_MIGRATE"); v != "" {
		config.Storage.SQL.AutoMigrate = envBool(v)
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STORAGE_S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = v
	}
	if v := os.Getenv("STORAGE_S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("STORAGE_S3_REGION"); v != "" {
		config.Storage.S3.Region = v
	}
	if v := os.Getenv("STORAGE_S3_ACCESS_KEY"); v != "" {
		config.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("STORAGE_S3_SECRET_KEY"); v != "" {
		config.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("STORAGE_S3_USE_PATH_STYLE"); v != "" {
		config.Storage.S3.UsePathStyle = envBool(v)
	}
	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = envBool(v)
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
}

// Validate validates the configuration and returns an error if invalid.
// An unrecognized cipher is not an error: the engine falls back to its default.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Both feed the password hash salt
	if c.Encryption.InstanceID == "" {
		return fmt.Errorf("encryption.instance_id is required")
	}
	if c.Encryption.Secret == "" {
		return fmt.Errorf("encryption.secret is required")
	}
	if c.Encryption.KeyPairBits != 0 && c.Encryption.KeyPairBits < 2048 {
		return fmt.Errorf("encryption.key_pair_bits must be at least 2048")
	}
	if c.Encryption.RecoveryEnabled && c.Encryption.RecoveryKeyID == "" {
		return fmt.Errorf("encryption.recovery_key_id is required when recovery is enabled")
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQL:
		if c.Storage.SQL.Driver != "sqlite3" && c.Storage.SQL.Driver != "pgx" {
			return fmt.Errorf("invalid storage.sql.driver: %s (must be sqlite3 or pgx)", c.Storage.SQL.Driver)
		}
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("storage.sql.dsn is required for the sql backend")
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be memory, sql, or s3)", c.Storage.Backend)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
