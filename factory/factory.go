package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/objectbase"
	"github.com/lychee-technology/objectbase/internal"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool the services need.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Services bundles every objectbase service built from one configuration.
// Optional services (Connections, Analytics) are nil when their backing
// configuration is missing.
type Services struct {
	ObjectTypes    objectbase.ObjectTypeManager
	Fields         objectbase.FieldManager
	Records        objectbase.RecordManager
	Kanban         objectbase.KanbanManager
	Publishing     objectbase.PublishingManager
	Sharing        objectbase.SharingManager
	Actions        objectbase.ActionManager
	Connections    objectbase.ConnectionManager
	Help           objectbase.HelpCenter
	Analytics      objectbase.AnalyticsService
	RemoteSettings objectbase.SettingsStore
	LocalSettings  objectbase.SettingsStore

	// HelpReindexer pushes every article to the search index.
	HelpReindexer interface {
		Reindex(ctx context.Context) (int, error)
	}

	closers []func() error
	checks  []healthCheck
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// NewServicesWithConfig wires the services for config on top of pool.
// This is the primary way for binaries and embedding projects to obtain
// objectbase services.
//
// Usage:
//
//	config := objectbase.DefaultConfig()
//	pool, err := internal.NewPool(ctx, config.Database)
//	services, err := factory.NewServicesWithConfig(ctx, config, pool)
//	defer services.Close()
func NewServicesWithConfig(ctx context.Context, config *objectbase.Config, pool Pool) (*Services, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	s := &Services{}
	s.checks = append(s.checks, healthCheck{"postgres", func(ctx context.Context) error {
		return internal.PostgresHealthCheck(ctx, pool, 0)
	}})

	var cache *internal.FieldCache
	if config.Cache.Enabled {
		client, err := internal.NewRedisClient(ctx, config.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = internal.NewFieldCache(client, config.Cache.Prefix, config.Cache.TTL)
		listenCtx, cancel := context.WithCancel(context.Background())
		go cache.Listen(listenCtx)
		s.closers = append(s.closers, func() error {
			cancel()
			return client.Close()
		})
		zap.S().Infow("field cache enabled", "prefix", config.Cache.Prefix, "ttl", config.Cache.TTL)
	}

	fields := internal.NewPostgresFieldRepository(pool, cache)
	records := internal.NewPostgresRecordRepository(pool, fields, config.Query)
	s.ObjectTypes = internal.NewPostgresObjectTypeRepository(pool)
	s.Fields = fields
	s.Records = records
	s.Kanban = internal.NewKanbanService(fields, records, config.Query.MaxPageSize)
	s.Sharing = internal.NewPostgresSharingRepository(pool, fields, records, config.Query.BatchSize)
	s.Actions = internal.NewPostgresActionRepository(pool, fields, records, config.Query.BatchSize)
	s.RemoteSettings = internal.NewRemoteSettingsStore(pool)

	var archive internal.BundleArchive
	if config.Storage.Enabled {
		s3Archive, err := internal.NewS3BundleArchive(ctx, config.Storage)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("configure bundle archive: %w", err)
		}
		if err := s3Archive.EnsureBucket(ctx); err != nil {
			zap.S().Warnw("bundle bucket not ready, uploads will retry on publish", "bucket", config.Storage.Bucket, "error", err)
		}
		archive = s3Archive
		s.checks = append(s.checks, healthCheck{"s3", func(ctx context.Context) error {
			return s3Archive.HealthCheck(ctx, 0)
		}})
	}
	s.Publishing = internal.NewPostgresPublishingRepository(pool, archive, config.Query.BatchSize)

	if config.Secrets.SealingKey != "" {
		sealer, err := internal.NewSealer(config.Secrets.SealingKey)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("secrets.sealingKey: %w", err)
		}
		s.Connections = internal.NewPostgresConnectionRepository(pool, sealer, config.Proxy)
	} else {
		zap.S().Warnw("no sealing key configured, LLM connections disabled")
	}

	var help *internal.PostgresHelpCenter
	if config.Search.Enabled {
		index := internal.NewMeiliHelpIndex(config.Search)
		s.closers = append(s.closers, func() error {
			index.Close()
			return nil
		})
		help = internal.NewPostgresHelpCenter(pool, index)
	} else {
		help = internal.NewPostgresHelpCenter(pool, nil)
	}
	s.Help = help
	s.HelpReindexer = help

	if config.Analytics.Enabled {
		duck, err := internal.NewDuckDBClient(config.Analytics)
		if err != nil {
			zap.S().Warnw("analytics engine unavailable", "error", err)
		} else {
			s.closers = append(s.closers, duck.Close)
			s.checks = append(s.checks, healthCheck{"duckdb", duck.HealthCheck})
			s.Analytics = internal.NewDuckDBAnalytics(pool, duck, config.Analytics.QueryTimeout, config.Query.BatchSize)
		}
	}

	if config.Settings.LocalPath != "" {
		local, err := internal.OpenLocalSettingsStore(ctx, config.Settings.LocalPath)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open local settings store: %w", err)
		}
		s.closers = append(s.closers, local.Close)
		s.LocalSettings = local
	}

	return s, nil
}

// SettingsFor returns the settings store matching the session's state.
func (s *Services) SettingsFor(session *objectbase.Session) objectbase.SettingsStore {
	return internal.SelectSettingsStore(session, s.RemoteSettings, s.LocalSettings)
}

// Health runs the check of every configured backend and reports each
// component as "ok" or its error. healthy is false when any check failed.
func (s *Services) Health(ctx context.Context) (status map[string]string, healthy bool) {
	status = make(map[string]string, len(s.checks))
	healthy = true
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			zap.S().Warnw("health check failed", "component", c.name, "error", err)
			status[c.name] = err.Error()
			healthy = false
			continue
		}
		status[c.name] = "ok"
	}
	return status, healthy
}

// Close releases every resource opened by NewServicesWithConfig.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
