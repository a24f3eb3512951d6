package internal

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ticketStatuses = []objectbase.PicklistValue{
	{Label: "Queued", Value: "Warteschlange", Color: "gray"},
	{Label: "In progress", Value: "In_Bearbeitung", Color: "blue"},
	{Label: "Done", Value: "Erledigt", Color: "green"},
	{Label: "Rejected", Value: "Abgelehnt", Color: "red"},
}

func TestGroupRecords_BucketCompleteness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	candidates := []string{"Warteschlange", "In_Bearbeitung", "Erledigt", "Abgelehnt", "", "Legacy", "erledigt"}

	for round := 0; round < 50; round++ {
		n := rng.Intn(40)
		records := make([]objectbase.ObjectRecord, n)
		for i := range records {
			values := map[string]string{}
			if v := candidates[rng.Intn(len(candidates))]; v != "" || rng.Intn(2) == 0 {
				values["ai_status"] = v
			}
			records[i] = objectbase.ObjectRecord{ID: uuid.New(), FieldValues: values}
		}

		board := GroupRecords(records, "ai_status", ticketStatuses)

		seen := make(map[uuid.UUID]int, n)
		total := 0
		for _, col := range board.Columns {
			group := board.Groups[col.Value]
			assert.Equal(t, len(group), col.Count)
			for _, rec := range group {
				seen[rec.ID]++
			}
			total += len(group)
		}
		assert.Equal(t, n, total)
		assert.Len(t, board.Groups, len(board.Columns))
		for _, rec := range records {
			assert.Equal(t, 1, seen[rec.ID], "record must land in exactly one bucket")
		}
	}
}

func TestGroupRecords_UnknownValuesGoToUnassigned(t *testing.T) {
	records := []objectbase.ObjectRecord{
		{ID: uuid.New(), FieldValues: map[string]string{"ai_status": "Erledigt"}},
		{ID: uuid.New(), FieldValues: map[string]string{"ai_status": "Archived"}},
		{ID: uuid.New(), FieldValues: map[string]string{}},
	}
	board := GroupRecords(records, "ai_status", ticketStatuses)

	require.Len(t, board.Columns, 5)
	assert.Equal(t, UnassignedColumn, board.Columns[4].Value)
	assert.Len(t, board.Groups["Erledigt"], 1)
	assert.Len(t, board.Groups[UnassignedColumn], 2)
	assert.Empty(t, board.Groups["Warteschlange"])
}

func TestSelectKanbanField(t *testing.T) {
	fields := []objectbase.ObjectField{
		{APIName: "subject", DataType: objectbase.DataTypeText},
		{APIName: "priority", DataType: objectbase.DataTypePicklist},
		{APIName: "ai_status", DataType: objectbase.DataTypePicklist},
	}

	f, err := SelectKanbanField(fields, "")
	require.NoError(t, err)
	assert.Equal(t, "priority", f.APIName)

	f, err = SelectKanbanField(fields, "ai_status")
	require.NoError(t, err)
	assert.Equal(t, "ai_status", f.APIName)

	f, err = SelectKanbanField(fields, "deleted_field")
	require.NoError(t, err)
	assert.Equal(t, "priority", f.APIName)

	_, err = SelectKanbanField(fields, "subject")
	assert.True(t, objectbase.IsValidationError(err))

	_, err = SelectKanbanField(fields[:1], "")
	assert.True(t, objectbase.IsValidationError(err))
}

type stubKanbanFields struct {
	objectbase.FieldManager
	fields []objectbase.ObjectField
	values []objectbase.PicklistValue
}

func (s stubKanbanFields) ListFields(context.Context, uuid.UUID) ([]objectbase.ObjectField, error) {
	return s.fields, nil
}

func (s stubKanbanFields) ListPicklistValues(context.Context, uuid.UUID) ([]objectbase.PicklistValue, error) {
	return s.values, nil
}

type stubRecords struct {
	objectbase.RecordManager
	pages   [][]objectbase.ObjectRecord
	queries []objectbase.RecordQuery
	updates []map[string]any
}

func (s *stubRecords) ListRecords(_ context.Context, q objectbase.RecordQuery) (*objectbase.RecordPage, error) {
	s.queries = append(s.queries, q)
	return &objectbase.RecordPage{Records: s.pages[q.Page-1], TotalPages: len(s.pages), Page: q.Page, PageSize: q.PageSize}, nil
}

func (s *stubRecords) UpdateRecord(_ context.Context, id uuid.UUID, values map[string]any) (*objectbase.ObjectRecord, error) {
	s.updates = append(s.updates, values)
	return &objectbase.ObjectRecord{ID: id}, nil
}

func TestKanbanService_BoardWalksAllPages(t *testing.T) {
	fields := stubKanbanFields{
		fields: []objectbase.ObjectField{{ID: uuid.New(), APIName: "ai_status", DataType: objectbase.DataTypePicklist}},
		values: ticketStatuses,
	}
	records := &stubRecords{pages: [][]objectbase.ObjectRecord{
		{{ID: uuid.New(), FieldValues: map[string]string{"ai_status": "Warteschlange"}}},
		{{ID: uuid.New(), FieldValues: map[string]string{"ai_status": "Erledigt"}}},
	}}
	svc := NewKanbanService(fields, records, 1)
	filters := []objectbase.Filter{{Field: "owner", Operator: objectbase.FilterEquals, Value: "me"}}

	board, err := svc.Board(context.Background(), uuid.New(), "", filters)
	require.NoError(t, err)
	assert.Equal(t, "ai_status", board.FieldAPIName)
	assert.Len(t, records.queries, 2)
	assert.Equal(t, filters, records.queries[1].Filters)
	assert.Len(t, board.Groups["Warteschlange"], 1)
	assert.Len(t, board.Groups["Erledigt"], 1)
}

func TestKanbanService_MoveCard(t *testing.T) {
	records := &stubRecords{}
	svc := NewKanbanService(stubKanbanFields{}, records, 0)

	_, err := svc.MoveCard(context.Background(), uuid.New(), "ai_status", "Erledigt")
	require.NoError(t, err)
	_, err = svc.MoveCard(context.Background(), uuid.New(), "ai_status", UnassignedColumn)
	require.NoError(t, err)

	require.Len(t, records.updates, 2)
	assert.Equal(t, map[string]any{"ai_status": "Erledigt"}, records.updates[0])
	assert.Equal(t, map[string]any{"ai_status": nil}, records.updates[1])
}
