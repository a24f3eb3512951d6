package internal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDuckDBClient_Disabled(t *testing.T) {
	_, err := NewDuckDBClient(objectbase.AnalyticsConfig{Enabled: false})
	assert.Error(t, err)
}

func TestValidateAnalyticsConfig(t *testing.T) {
	assert.NoError(t, ValidateAnalyticsConfig(objectbase.AnalyticsConfig{}))
	assert.Error(t, ValidateAnalyticsConfig(objectbase.AnalyticsConfig{Enabled: true, MemoryLimitMB: -1, QueryTimeout: time.Second}))
	assert.Error(t, ValidateAnalyticsConfig(objectbase.AnalyticsConfig{Enabled: true}))
}

func newTestDuckDB(t *testing.T) *DuckDBClient {
	duck, err := NewDuckDBClient(objectbase.AnalyticsConfig{Enabled: true, MemoryLimitMB: 64, QueryTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = duck.Close() })
	require.NoError(t, duck.HealthCheck(context.Background()))
	return duck
}

func TestReport_AggregatesInDuckDB(t *testing.T) {
	mock := newMockPool(t)
	analytics := NewDuckDBAnalytics(mock, newTestDuckDB(t), 5*time.Second, 2)
	since := fixedNow.Add(-72 * time.Hour)
	alice, bob := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM object_records r LEFT JOIN object_types o").WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "object_type", "created_at"}).
			AddRow(alice, "ticket", fixedNow.Add(-49*time.Hour)).
			AddRow(alice, "ticket", fixedNow.Add(-2*time.Hour)).
			AddRow(alice, "contact", fixedNow.Add(-time.Hour)).
			AddRow(bob, "ticket", fixedNow))

	report, err := analytics.Report(adminCtx(), since)
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.TotalRecords)
	assert.Equal(t, int64(2), report.ActiveUsers)
	assert.Equal(t, []objectbase.ActivityBucket{
		{Key: "2025-03-12", RecordCount: 1},
		{Key: "2025-03-14", RecordCount: 3},
	}, report.PerDay)
	assert.Equal(t, []objectbase.ActivityBucket{
		{Key: alice.String(), RecordCount: 3},
		{Key: bob.String(), RecordCount: 1},
	}, report.PerUser)
	assert.Equal(t, []objectbase.ActivityBucket{
		{Key: "ticket", RecordCount: 3},
		{Key: "contact", RecordCount: 1},
	}, report.PerObject)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReport_DefaultWindowAndEmpty(t *testing.T) {
	mock := newMockPool(t)
	analytics := NewDuckDBAnalytics(mock, newTestDuckDB(t), 0, 0)
	analytics.withClock(func() time.Time { return fixedNow })

	mock.ExpectQuery("FROM object_records").WithArgs(fixedNow.Add(-defaultReportWindow)).
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "object_type", "created_at"}))

	report, err := analytics.Report(adminCtx(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, report.TotalRecords)
	assert.Empty(t, report.PerDay)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReport_RequiresAdminAndEngine(t *testing.T) {
	mock := newMockPool(t)
	_, err := NewDuckDBAnalytics(mock, nil, 0, 0).Report(userCtx(testUserID), time.Time{})
	assert.True(t, objectbase.IsForbiddenError(err))

	_, err = NewDuckDBAnalytics(mock, nil, 0, 0).Report(adminCtx(), time.Time{})
	assert.Error(t, err)
	assert.False(t, objectbase.IsForbiddenError(err))
}
