package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lychee-technology/objectbase"
	"github.com/lychee-technology/objectbase/factory"
	"github.com/lychee-technology/objectbase/internal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(config.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Auth.JWTSecret == "" {
		sugar.Fatalf("AUTH_JWT_SECRET is required")
	}

	pool, err := internal.NewPool(ctx, config.Database)
	if err != nil {
		sugar.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	services, err := factory.NewServicesWithConfig(ctx, config, pool)
	if err != nil {
		sugar.Fatalf("failed to build services: %v", err)
	}
	defer services.Close()

	server := NewServer(services, NewAuthenticator(config.Auth))
	server.RegisterRoutes()

	port := getEnv("PORT", "8080")
	if err := server.Start(ctx, port); err != nil {
		sugar.Fatalf("server error: %v", err)
	}
}

// loadConfig reads CONFIG_FILE when set and overlays environment variables.
func loadConfig() (*objectbase.Config, error) {
	config := objectbase.DefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := objectbase.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	db := &config.Database
	db.Host = getEnv("DB_HOST", db.Host)
	db.Port = getEnvInt("DB_PORT", db.Port)
	db.Database = getEnv("DB_NAME", firstNonEmpty(db.Database, "objectbase"))
	db.Username = getEnv("DB_USER", firstNonEmpty(db.Username, "postgres"))
	db.Password = getEnv("DB_PASSWORD", db.Password)
	db.SSLMode = getEnv("DB_SSL_MODE", db.SSLMode)
	db.MaxConnections = getEnvInt("DB_MAX_CONNECTIONS", db.MaxConnections)
	db.Timeout = time.Duration(getEnvInt("DB_TIMEOUT_SECONDS", int(db.Timeout/time.Second))) * time.Second
	db.IAMAuth = getEnvBool("DB_IAM_AUTH", db.IAMAuth)
	db.AWSRegion = getEnv("AWS_REGION", db.AWSRegion)

	config.Cache.RedisURL = getEnv("REDIS_URL", config.Cache.RedisURL)
	config.Cache.Enabled = getEnvBool("CACHE_ENABLED", config.Cache.Enabled || config.Cache.RedisURL != "")

	config.Settings.LocalPath = getEnv("SETTINGS_DB_PATH", config.Settings.LocalPath)

	config.Storage.Bucket = getEnv("S3_BUCKET", config.Storage.Bucket)
	config.Storage.Enabled = getEnvBool("S3_ENABLED", config.Storage.Enabled || config.Storage.Bucket != "")
	config.Storage.Endpoint = getEnv("S3_ENDPOINT", config.Storage.Endpoint)
	config.Storage.Region = getEnv("S3_REGION", config.Storage.Region)
	config.Storage.AccessKey = getEnv("S3_ACCESS_KEY", config.Storage.AccessKey)
	config.Storage.SecretKey = getEnv("S3_SECRET_KEY", config.Storage.SecretKey)
	config.Storage.PathStyle = getEnvBool("S3_PATH_STYLE", config.Storage.PathStyle)

	config.Search.URL = getEnv("MEILI_URL", config.Search.URL)
	config.Search.APIKey = getEnv("MEILI_API_KEY", config.Search.APIKey)
	config.Search.Enabled = getEnvBool("SEARCH_ENABLED", config.Search.Enabled || config.Search.URL != "")

	config.Auth.JWTSecret = getEnv("AUTH_JWT_SECRET", config.Auth.JWTSecret)
	config.Secrets.SealingKey = getEnv("SEALING_KEY", config.Secrets.SealingKey)
	config.Proxy.DefaultBaseURL = getEnv("LLM_BASE_URL", config.Proxy.DefaultBaseURL)

	config.Analytics.Enabled = getEnvBool("ANALYTICS_ENABLED", config.Analytics.Enabled)
	config.Analytics.DBPath = getEnv("ANALYTICS_DB_PATH", config.Analytics.DBPath)

	config.Logging.Level = getEnv("LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LOG_FORMAT", config.Logging.Format)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// newLogger builds a production logger, or a console logger when the
// format is "console".
func newLogger(cfg objectbase.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
