package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lychee-technology/objectbase"
	"github.com/lychee-technology/objectbase/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configFile string
	logLevel   string
	db         objectbase.DatabaseConfig
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "objectbase-tools",
		Short:         "objectbase operator tools",
		Long:          "Commands for preparing the database, inspecting activity and maintaining the help center search index.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(opts.logLevel)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flags.StringVar(&opts.logLevel, "log-level", getenvDefault("LOG_LEVEL", "info"), "log level")
	flags.StringVar(&opts.db.Host, "db-host", getenvDefault("DB_HOST", "localhost"), "database host")
	flags.IntVar(&opts.db.Port, "db-port", getenvDefaultInt("DB_PORT", 5432), "database port")
	flags.StringVar(&opts.db.Database, "db-name", getenvDefault("DB_NAME", "objectbase"), "database name")
	flags.StringVar(&opts.db.Username, "db-user", getenvDefault("DB_USER", "postgres"), "database user")
	flags.StringVar(&opts.db.Password, "db-password", getenvDefault("DB_PASSWORD", "postgres"), "database password")
	flags.StringVar(&opts.db.SSLMode, "db-ssl-mode", getenvDefault("DB_SSL_MODE", "disable"), "database sslmode")

	rootCmd.AddCommand(
		newInitDBCmd(opts),
		newSuggestAPINameCmd(),
		newAnalyticsCmd(opts),
		newReindexHelpCmd(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	zcfg := zap.NewDevelopmentConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// loadConfig reads --config when set and applies the database flags that
// were given explicitly or through the environment.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*objectbase.Config, error) {
	config := objectbase.DefaultConfig()
	if o.configFile != "" {
		loaded, err := objectbase.LoadConfigFile(o.configFile)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	db := &config.Database
	if o.configFile == "" || cmd.Flags().Changed("db-host") {
		db.Host = o.db.Host
	}
	if o.configFile == "" || cmd.Flags().Changed("db-port") {
		db.Port = o.db.Port
	}
	if o.configFile == "" || cmd.Flags().Changed("db-name") {
		db.Database = o.db.Database
	}
	if o.configFile == "" || cmd.Flags().Changed("db-user") {
		db.Username = o.db.Username
	}
	if o.configFile == "" || cmd.Flags().Changed("db-password") {
		db.Password = o.db.Password
	}
	if o.configFile == "" || cmd.Flags().Changed("db-ssl-mode") {
		db.SSLMode = o.db.SSLMode
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// connect loads the config and opens a pool. The caller closes the pool.
func (o *rootOptions) connect(ctx context.Context, cmd *cobra.Command) (*objectbase.Config, *pgxpool.Pool, error) {
	config, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	pool, err := internal.NewPool(ctx, config.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	return config, pool, nil
}

// operatorContext carries an admin session for commands that bypass the
// HTTP API.
func operatorContext(ctx context.Context) context.Context {
	return objectbase.WithSession(ctx, objectbase.AuthenticatedSession(objectbase.User{Email: "operator@localhost", Role: "admin"}))
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvDefaultInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}
