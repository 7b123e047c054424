package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = ":8080"
	defaultHealthListen = ":50053"
	defaultDataDir      = "data"
	defaultJournalDSN   = "lending-journal.db"

	// StorageLevelDB persists state in a LevelDB directory under data_dir.
	StorageLevelDB = "leveldb"
	// StorageMemory keeps state in memory; intended for tests and demos.
	StorageMemory = "memory"

	// JournalSQLite stores the operation journal in an embedded SQLite file.
	JournalSQLite = "sqlite"
	// JournalPostgres stores the operation journal in PostgreSQL.
	JournalPostgres = "postgres"
	// JournalDisabled turns the journal off.
	JournalDisabled = "none"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	HealthListen  string          `yaml:"health_listen"`
	Environment   string          `yaml:"environment"`
	DataDir       string          `yaml:"data_dir"`
	Storage       string          `yaml:"storage"`
	LendingConfig string          `yaml:"lending_config"`
	Paused        bool            `yaml:"paused"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Journal       JournalConfig   `yaml:"journal"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted on administrative routes.
// User operations are authorised by their request signature instead.
type AuthConfig struct {
	APITokens []string       `yaml:"api_tokens"`
	JWT       JWTConfig      `yaml:"jwt"`
	MTLS      MTLSAuthConfig `yaml:"mtls"`
}

// JWTConfig configures HMAC bearer tokens for operators.
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// MTLSAuthConfig enumerates the allowed client certificate identities.
type MTLSAuthConfig struct {
	AllowedCommonNames []string `yaml:"allowed_common_names"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// JournalConfig selects the relational store for the operation journal.
type JournalConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	ExportDir string `yaml:"export_dir"`
}

// LoggingConfig adds an optional rotating file sink.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`
}

// Load reads the YAML configuration from disk and validates the result.
// Relative paths are resolved against the directory holding the file.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoragePath is the LevelDB directory for lending state.
func (cfg Config) StoragePath() string {
	return filepath.Join(cfg.DataDir, "state")
}

func (cfg *Config) normalize(baseDir string) {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.HealthListen = strings.TrimSpace(cfg.HealthListen)
	if cfg.HealthListen == "" {
		cfg.HealthListen = defaultHealthListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DataDir = resolve(baseDir, cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = resolve(baseDir, defaultDataDir)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.Storage == "" {
		cfg.Storage = StorageLevelDB
	}
	cfg.LendingConfig = resolve(baseDir, cfg.LendingConfig)
	cfg.TLS.normalize(baseDir)
	cfg.Auth.normalize()
	cfg.Journal.normalize(cfg.DataDir)
	cfg.Logging.File = resolve(baseDir, cfg.Logging.File)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage {
	case StorageLevelDB, StorageMemory:
	default:
		return fmt.Errorf("storage must be %q or %q", StorageLevelDB, StorageMemory)
	}
	if cfg.LendingConfig == "" {
		return fmt.Errorf("lending_config is required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	if err := cfg.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func resolve(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) || baseDir == "" {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func (cfg *TLSConfig) normalize(baseDir string) {
	if cfg == nil {
		return
	}
	cfg.CertPath = resolve(baseDir, cfg.CertPath)
	cfg.KeyPath = resolve(baseDir, cfg.KeyPath)
	cfg.ClientCAPath = resolve(baseDir, cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.APITokens = trimAll(cfg.APITokens)
	cfg.MTLS.AllowedCommonNames = trimAll(cfg.MTLS.AllowedCommonNames)
	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	cfg.JWT.Issuer = strings.TrimSpace(cfg.JWT.Issuer)
	cfg.JWT.Audience = strings.TrimSpace(cfg.JWT.Audience)
	cfg.JWT.ScopeClaim = strings.TrimSpace(cfg.JWT.ScopeClaim)
	if cfg.JWT.ScopeClaim == "" {
		cfg.JWT.ScopeClaim = "scope"
	}
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	hasTokens := len(cfg.APITokens) > 0
	hasJWT := cfg.JWT.Secret != ""
	hasMTLS := len(cfg.MTLS.AllowedCommonNames) > 0
	if !hasTokens && !hasJWT && !hasMTLS {
		return fmt.Errorf("at least one api token, jwt secret or mTLS common name must be configured")
	}
	if hasJWT && len(cfg.JWT.Secret) < 32 {
		return fmt.Errorf("jwt.secret must be at least 32 bytes")
	}
	if hasMTLS && strings.TrimSpace(tls.ClientCAPath) == "" {
		return fmt.Errorf("mtls.allowed_common_names requires tls.client_ca to be configured")
	}
	return nil
}

func (cfg *JournalConfig) normalize(dataDir string) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = JournalSQLite
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.Driver == JournalSQLite {
		if cfg.DSN == "" {
			cfg.DSN = defaultJournalDSN
		}
		if cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
			cfg.DSN = resolve(dataDir, cfg.DSN)
		}
	}
	cfg.ExportDir = resolve(dataDir, cfg.ExportDir)
}

func (cfg JournalConfig) validate() error {
	switch cfg.Driver {
	case JournalSQLite, JournalDisabled:
		return nil
	case JournalPostgres:
		if cfg.DSN == "" {
			return fmt.Errorf("dsn is required for postgres")
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
