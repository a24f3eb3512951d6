package internal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filterRecord(recordID string, values map[string]string) objectbase.ObjectRecord {
	return objectbase.ObjectRecord{ID: uuid.New(), RecordID: recordID, FieldValues: values}
}

func TestMatchesFilter(t *testing.T) {
	record := filterRecord("TCK-0042", map[string]string{
		"subject":  "Printer Jam on Floor 3",
		"priority": "High",
		"amount":   "129.50",
		"due_date": "2025-03-14",
		"active":   "false",
	})

	tests := []struct {
		name   string
		filter objectbase.Filter
		want   bool
	}{
		{"equals ignores case", objectbase.Filter{Field: "priority", Operator: objectbase.FilterEquals, Value: "high"}, true},
		{"is alias", objectbase.Filter{Field: "priority", Operator: objectbase.FilterIs, Value: "Low"}, false},
		{"not equal", objectbase.Filter{Field: "priority", Operator: objectbase.FilterNotEqual, Value: "low"}, true},
		{"is not", objectbase.Filter{Field: "priority", Operator: objectbase.FilterIsNot, Value: "HIGH"}, false},
		{"contains", objectbase.Filter{Field: "subject", Operator: objectbase.FilterContains, Value: "JAM"}, true},
		{"starts with", objectbase.Filter{Field: "subject", Operator: objectbase.FilterStartsWith, Value: "printer"}, true},
		{"starts with miss", objectbase.Filter{Field: "subject", Operator: objectbase.FilterStartsWith, Value: "floor"}, false},
		{"greater than", objectbase.Filter{Field: "amount", Operator: objectbase.FilterGreaterThan, Value: "100"}, true},
		{"less than", objectbase.Filter{Field: "amount", Operator: objectbase.FilterLessThan, Value: "100"}, false},
		{"numeric on text", objectbase.Filter{Field: "subject", Operator: objectbase.FilterGreaterThan, Value: "1"}, false},
		{"before", objectbase.Filter{Field: "due_date", Operator: objectbase.FilterBefore, Value: "2025-04-01"}, true},
		{"after", objectbase.Filter{Field: "due_date", Operator: objectbase.FilterAfter, Value: "2025-04-01"}, false},
		{"date on missing field", objectbase.Filter{Field: "closed_at", Operator: objectbase.FilterBefore, Value: "2025-04-01"}, false},
		{"empty value passes", objectbase.Filter{Field: "priority", Operator: objectbase.FilterEquals, Value: ""}, true},
		{"false is a value", objectbase.Filter{Field: "active", Operator: objectbase.FilterEquals, Value: "false"}, true},
		{"false mismatch", objectbase.Filter{Field: "priority", Operator: objectbase.FilterEquals, Value: "false"}, false},
		{"record id pseudo field", objectbase.Filter{Field: "record_id", Operator: objectbase.FilterStartsWith, Value: "tck-"}, true},
		{"missing field equals", objectbase.Filter{Field: "owner", Operator: objectbase.FilterEquals, Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesFilter(record, tt.filter))
		})
	}
}

func TestApplyFilters_Idempotent(t *testing.T) {
	records := []objectbase.ObjectRecord{
		filterRecord("1", map[string]string{"status": "Open", "score": "5"}),
		filterRecord("2", map[string]string{"status": "Closed", "score": "9"}),
		filterRecord("3", map[string]string{"status": "open", "score": "12"}),
		filterRecord("4", map[string]string{}),
	}
	filters := []objectbase.Filter{
		{Field: "status", Operator: objectbase.FilterEquals, Value: "open"},
		{Field: "score", Operator: objectbase.FilterGreaterThan, Value: "1"},
	}
	snapshot := append([]objectbase.ObjectRecord(nil), records...)

	first := ApplyFilters(records, filters)
	second := ApplyFilters(records, filters)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, records)
	assert.Equal(t, first, ApplyFilters(first, filters))
}

func TestValidateFilters(t *testing.T) {
	assert.NoError(t, ValidateFilters(nil))
	assert.NoError(t, ValidateFilters([]objectbase.Filter{
		{Field: "created_at", Operator: objectbase.FilterAfter, Value: "2025-01-01"},
		{Field: "status", Operator: objectbase.FilterContains, Value: "x"},
	}))

	err := ValidateFilters([]objectbase.Filter{{Field: "status", Operator: "like", Value: "x"}})
	assert.Equal(t, objectbase.ErrCodeInvalidFilter, objectbase.ErrorCode(err))

	err = ValidateFilters([]objectbase.Filter{{Operator: objectbase.FilterEquals, Value: "x"}})
	assert.Equal(t, objectbase.ErrCodeInvalidFilter, objectbase.ErrorCode(err))

	err = ValidateFilters([]objectbase.Filter{{Field: "updated_at", Operator: objectbase.FilterBefore, Value: "yesterday"}})
	assert.Equal(t, objectbase.ErrCodeInvalidFilter, objectbase.ErrorCode(err))
}

func TestSplitFilters(t *testing.T) {
	server, client := splitFilters([]objectbase.Filter{
		{Field: "created_at", Operator: objectbase.FilterBefore, Value: "2025-01-01"},
		{Field: "status", Operator: objectbase.FilterEquals, Value: "open"},
		{Field: "updated_at", Operator: objectbase.FilterAfter, Value: "2024-01-01"},
	})
	assert.Len(t, server, 2)
	assert.Len(t, client, 1)
}

func TestSystemFilterClause(t *testing.T) {
	clause, args, ok := systemFilterClause(objectbase.Filter{Field: "created_at", Operator: objectbase.FilterBefore, Value: "2025-03-14"}, 2)
	require.True(t, ok)
	assert.Equal(t, `"created_at" < $2`, clause)
	require.Len(t, args, 1)

	clause, args, ok = systemFilterClause(objectbase.Filter{Field: "updated_at", Operator: objectbase.FilterEquals, Value: "2025-03-14T17:30:00Z"}, 3)
	require.True(t, ok)
	assert.Equal(t, `"updated_at" >= $3 AND "updated_at" < $4`, clause)
	require.Len(t, args, 2)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), args[0])
	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), args[1])

	_, _, ok = systemFilterClause(objectbase.Filter{Field: "created_at", Operator: objectbase.FilterContains, Value: "2025"}, 1)
	assert.False(t, ok)
}
