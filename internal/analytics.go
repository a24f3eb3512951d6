package internal

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const defaultReportWindow = 30 * 24 * time.Hour

// DuckDBAnalytics implements objectbase.AnalyticsService. Activity rows are
// exported from PostgreSQL into a scratch DuckDB table and aggregated there.
type DuckDBAnalytics struct {
	pool      dbPool
	duck      *DuckDBClient
	timeout   time.Duration
	batchSize int
	nowFunc   func() time.Time
}

func NewDuckDBAnalytics(pool dbPool, duck *DuckDBClient, timeout time.Duration, batchSize int) *DuckDBAnalytics {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &DuckDBAnalytics{pool: pool, duck: duck, timeout: timeout, batchSize: batchSize, nowFunc: time.Now}
}

func (a *DuckDBAnalytics) withClock(now func() time.Time) {
	if now != nil {
		a.nowFunc = now
	}
}

type activityRow struct {
	ownerID    uuid.UUID
	objectType string
	createdAt  time.Time
}

// Report aggregates records created since the given time. A zero since
// covers the last 30 days. Admin only.
func (a *DuckDBAnalytics) Report(ctx context.Context, since time.Time) (*objectbase.AnalyticsReport, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if a.duck == nil || a.duck.DB == nil {
		return nil, objectbase.NewInternalError("analytics is not configured", nil)
	}
	if since.IsZero() {
		since = a.nowFunc().Add(-defaultReportWindow)
	}
	since = since.UTC()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := a.exportActivity(ctx, since)
	if err != nil {
		return nil, err
	}
	EmitLatency(ctx, "analytics.export", start)
	EmitRowCount(ctx, "analytics.export", int64(len(rows)))

	report := &objectbase.AnalyticsReport{
		Since:     since,
		PerDay:    []objectbase.ActivityBucket{},
		PerUser:   []objectbase.ActivityBucket{},
		PerObject: []objectbase.ActivityBucket{},
	}
	if len(rows) == 0 {
		return report, nil
	}

	conn, err := a.duck.DB.Conn(ctx)
	if err != nil {
		return nil, objectbase.NewQueryError("acquire duckdb connection", err)
	}
	defer conn.Close()

	table := "activity_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := conn.ExecContext(ctx,
		"CREATE TEMP TABLE "+table+" (owner_id VARCHAR, object_type VARCHAR, day VARCHAR)"); err != nil {
		return nil, objectbase.NewQueryError("create activity table", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+table); err != nil {
			zap.S().Warnw("drop activity table", "table", table, "error", err)
		}
	}()

	start = time.Now()
	if err := a.load(ctx, conn, table, rows); err != nil {
		return nil, objectbase.NewQueryError("load activity rows", err)
	}

	if err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT owner_id) FROM "+table).Scan(&report.TotalRecords, &report.ActiveUsers); err != nil {
		return nil, objectbase.NewQueryError("aggregate activity totals", err)
	}
	if report.PerDay, err = buckets(ctx, conn, "SELECT day, COUNT(*) FROM "+table+" GROUP BY day ORDER BY day"); err != nil {
		return nil, objectbase.NewQueryError("aggregate activity per day", err)
	}
	if report.PerUser, err = buckets(ctx, conn,
		"SELECT owner_id, COUNT(*) AS n FROM "+table+" GROUP BY owner_id ORDER BY n DESC, owner_id"); err != nil {
		return nil, objectbase.NewQueryError("aggregate activity per user", err)
	}
	if report.PerObject, err = buckets(ctx, conn,
		"SELECT object_type, COUNT(*) AS n FROM "+table+" GROUP BY object_type ORDER BY n DESC, object_type"); err != nil {
		return nil, objectbase.NewQueryError("aggregate activity per object type", err)
	}

	EmitLatency(ctx, "analytics.aggregate", start)
	zap.S().Infow("analytics report built", "since", since, "records", report.TotalRecords, "users", report.ActiveUsers)
	return report, nil
}

func (a *DuckDBAnalytics) exportActivity(ctx context.Context, since time.Time) ([]activityRow, error) {
	rows, err := a.pool.Query(ctx, `SELECT r.owner_id, COALESCE(o.api_name, r.object_type_id::text), r.created_at
		FROM object_records r LEFT JOIN object_types o ON o.id = r.object_type_id
		WHERE r.created_at >= $1`, since)
	if err != nil {
		return nil, objectbase.NewQueryError("export record activity", err)
	}
	defer rows.Close()

	out := make([]activityRow, 0)
	for rows.Next() {
		var r activityRow
		if err := rows.Scan(&r.ownerID, &r.objectType, &r.createdAt); err != nil {
			return nil, objectbase.NewQueryError("scan record activity", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate record activity", err)
	}
	return out, nil
}

func (a *DuckDBAnalytics) load(ctx context.Context, conn *sql.Conn, table string, rows []activityRow) error {
	for i := 0; i < len(rows); i += a.batchSize {
		end := min(i+a.batchSize, len(rows))
		batch := make([][]any, 0, end-i)
		for _, r := range rows[i:end] {
			batch = append(batch, []any{r.ownerID.String(), r.objectType, r.createdAt.UTC().Format(time.DateOnly)})
		}
		values, args := buildValuesClause(batch)
		if _, err := conn.ExecContext(ctx, "INSERT INTO "+table+" VALUES "+values, args...); err != nil {
			return err
		}
	}
	return nil
}

func buckets(ctx context.Context, conn *sql.Conn, query string) ([]objectbase.ActivityBucket, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]objectbase.ActivityBucket, 0)
	for rows.Next() {
		var b objectbase.ActivityBucket
		if err := rows.Scan(&b.Key, &b.RecordCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
