package objectbase

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config consolidates settings for every objectbase component.
type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Query     QueryConfig     `json:"query" yaml:"query"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Settings  SettingsConfig  `json:"settings" yaml:"settings"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Search    SearchConfig    `json:"search" yaml:"search"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Secrets   SecretsConfig   `json:"secrets" yaml:"secrets"`
	Proxy     ProxyConfig     `json:"proxy" yaml:"proxy"`
	Analytics AnalyticsConfig `json:"analytics" yaml:"analytics"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"sslMode" yaml:"sslMode"`
	MaxConnections  int           `json:"maxConnections" yaml:"maxConnections"`
	MinConnections  int           `json:"minConnections" yaml:"minConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	// IAMAuth switches password auth to short-lived Aurora DSQL tokens.
	IAMAuth   bool   `json:"iamAuth" yaml:"iamAuth"`
	AWSRegion string `json:"awsRegion" yaml:"awsRegion"`
}

// QueryConfig contains record paging settings
type QueryConfig struct {
	DefaultTimeout  time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	DefaultPageSize int           `json:"defaultPageSize" yaml:"defaultPageSize"`
	MaxPageSize     int           `json:"maxPageSize" yaml:"maxPageSize"`
	BatchSize       int           `json:"batchSize" yaml:"batchSize"`
}

// CacheConfig configures the Redis-backed field cache.
type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	RedisURL string        `json:"redisUrl" yaml:"redisUrl"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
}

// SettingsConfig configures the local (anonymous) view settings store.
type SettingsConfig struct {
	LocalPath string `json:"localPath" yaml:"localPath"`
}

// StorageConfig configures the S3 archive for published application bundles.
type StorageConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Region    string `json:"region" yaml:"region"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	PathStyle bool   `json:"pathStyle" yaml:"pathStyle"`
}

// SearchConfig configures Meilisearch for help center articles.
type SearchConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	APIKey  string `json:"apiKey" yaml:"apiKey"`
}

// AuthConfig contains bearer token settings
type AuthConfig struct {
	JWTSecret string        `json:"jwtSecret" yaml:"jwtSecret"`
	TokenTTL  time.Duration `json:"tokenTTL" yaml:"tokenTTL"`
	Issuer    string        `json:"issuer" yaml:"issuer"`
}

// SecretsConfig holds the key used to seal third-party API keys at rest.
type SecretsConfig struct {
	// SealingKey is 32 bytes, base64 encoded.
	SealingKey string `json:"sealingKey" yaml:"sealingKey"`
}

// ProxyConfig configures the LLM proxy.
type ProxyConfig struct {
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	DefaultBaseURL   string        `json:"defaultBaseUrl" yaml:"defaultBaseUrl"`
	FailureThreshold int           `json:"failureThreshold" yaml:"failureThreshold"`
	FailureWindow    time.Duration `json:"failureWindow" yaml:"failureWindow"`
	OpenDuration     time.Duration `json:"openDuration" yaml:"openDuration"`
}

// AnalyticsConfig configures the DuckDB aggregation engine.
type AnalyticsConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	DBPath        string        `json:"dbPath" yaml:"dbPath"`
	MemoryLimitMB int           `json:"memoryLimitMB" yaml:"memoryLimitMB"`
	QueryTimeout  time.Duration `json:"queryTimeout" yaml:"queryTimeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxConnections:  25,
			MinConnections:  2,
			ConnMaxLifetime: 5 * time.Minute,
			Timeout:         30 * time.Second,
		},
		Query: QueryConfig{
			DefaultTimeout:  30 * time.Second,
			DefaultPageSize: 20,
			MaxPageSize:     100,
			BatchSize:       500,
		},
		Cache: CacheConfig{
			TTL:    10 * time.Minute,
			Prefix: "objectbase",
		},
		Settings: SettingsConfig{
			LocalPath: "objectbase-settings.db",
		},
		Storage: StorageConfig{
			Prefix: "bundles",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			Issuer:   "objectbase",
		},
		Proxy: ProxyConfig{
			Timeout:          2 * time.Minute,
			DefaultBaseURL:   "https://api.openai.com/v1",
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			OpenDuration:     30 * time.Second,
		},
		Analytics: AnalyticsConfig{
			Enabled:       true,
			MemoryLimitMB: 256,
			QueryTimeout:  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfigFile overlays the YAML file at path on top of DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}
	if c.Database.MinConnections > c.Database.MaxConnections {
		return &ConfigError{Field: "database.minConnections", Message: "must not exceed maxConnections"}
	}
	if c.Database.IAMAuth && c.Database.AWSRegion == "" {
		return &ConfigError{Field: "database.awsRegion", Message: "required when iamAuth is enabled"}
	}

	if c.Query.DefaultPageSize <= 0 {
		return &ConfigError{Field: "query.defaultPageSize", Message: "must be greater than 0"}
	}
	if c.Query.MaxPageSize < c.Query.DefaultPageSize {
		return &ConfigError{Field: "query.maxPageSize", Message: "must be greater than or equal to defaultPageSize"}
	}
	if c.Query.BatchSize <= 0 {
		return &ConfigError{Field: "query.batchSize", Message: "must be greater than 0"}
	}

	if c.Cache.Enabled && c.Cache.RedisURL == "" {
		return &ConfigError{Field: "cache.redisUrl", Message: "required when cache is enabled"}
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return &ConfigError{Field: "storage.bucket", Message: "required when storage is enabled"}
	}
	if c.Storage.AccessKey != "" && c.Storage.SecretKey == "" {
		return &ConfigError{Field: "storage.secretKey", Message: "accessKey provided without secretKey"}
	}
	if c.Search.Enabled && c.Search.URL == "" {
		return &ConfigError{Field: "search.url", Message: "required when search is enabled"}
	}
	if c.Analytics.MemoryLimitMB < 0 {
		return &ConfigError{Field: "analytics.memoryLimitMB", Message: "must be >= 0"}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
