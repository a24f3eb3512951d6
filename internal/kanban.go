package internal

import (
	"context"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
)

// UnassignedColumn collects records whose value is empty or not a known
// picklist value.
const UnassignedColumn = ""

// SelectKanbanField returns the field to group by: the requested one when
// it is a picklist, otherwise the first picklist field.
func SelectKanbanField(fields []objectbase.ObjectField, requested string) (*objectbase.ObjectField, error) {
	var first *objectbase.ObjectField
	for i := range fields {
		f := &fields[i]
		if f.DataType != objectbase.DataTypePicklist {
			if f.APIName == requested {
				return nil, objectbase.NewValidationError("field_api_name", "kanban boards group by picklist fields only")
			}
			continue
		}
		if f.APIName == requested {
			return f, nil
		}
		if first == nil {
			first = f
		}
	}
	if first == nil {
		return nil, objectbase.NewValidationError("field_api_name", "object type has no picklist field")
	}
	return first, nil
}

// GroupRecords buckets records by the value of fieldAPIName. Every record
// lands in exactly one bucket; unknown and empty values go to UnassignedColumn.
func GroupRecords(records []objectbase.ObjectRecord, fieldAPIName string, values []objectbase.PicklistValue) *objectbase.KanbanBoard {
	board := &objectbase.KanbanBoard{
		FieldAPIName: fieldAPIName,
		Columns:      make([]objectbase.KanbanColumn, 0, len(values)+1),
		Groups:       make(map[string][]objectbase.ObjectRecord, len(values)+1),
	}

	known := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := known[v.Value]; dup {
			continue
		}
		known[v.Value] = struct{}{}
		board.Columns = append(board.Columns, objectbase.KanbanColumn{Value: v.Value, Label: v.Label, Color: v.Color})
		board.Groups[v.Value] = []objectbase.ObjectRecord{}
	}
	board.Columns = append(board.Columns, objectbase.KanbanColumn{Value: UnassignedColumn, Label: "No value"})
	board.Groups[UnassignedColumn] = []objectbase.ObjectRecord{}

	for _, rec := range records {
		key := rec.FieldValues[fieldAPIName]
		if _, ok := known[key]; !ok {
			key = UnassignedColumn
		}
		board.Groups[key] = append(board.Groups[key], rec)
	}
	for i := range board.Columns {
		board.Columns[i].Count = len(board.Groups[board.Columns[i].Value])
	}
	return board
}

// KanbanService implements objectbase.KanbanManager on top of the field and
// record managers.
type KanbanService struct {
	fields  objectbase.FieldManager
	records objectbase.RecordManager
	// pageSize is the page size used to walk all records of a board.
	pageSize int
}

func NewKanbanService(fields objectbase.FieldManager, records objectbase.RecordManager, pageSize int) *KanbanService {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &KanbanService{fields: fields, records: records, pageSize: pageSize}
}

// Board loads every record matching filters and groups it by the selected
// picklist field.
func (s *KanbanService) Board(ctx context.Context, objectTypeID uuid.UUID, fieldAPIName string, filters []objectbase.Filter) (*objectbase.KanbanBoard, error) {
	fields, err := s.fields.ListFields(ctx, objectTypeID)
	if err != nil {
		return nil, err
	}
	field, err := SelectKanbanField(fields, fieldAPIName)
	if err != nil {
		return nil, err
	}
	values, err := s.fields.ListPicklistValues(ctx, field.ID)
	if err != nil {
		return nil, err
	}

	records := make([]objectbase.ObjectRecord, 0)
	for page := 1; ; page++ {
		result, err := s.records.ListRecords(ctx, objectbase.RecordQuery{
			ObjectTypeID: objectTypeID,
			Filters:      filters,
			Page:         page,
			PageSize:     s.pageSize,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, result.Records...)
		if page >= result.TotalPages {
			break
		}
	}
	return GroupRecords(records, field.APIName, values), nil
}

// MoveCard sets the grouping field of a record. Moving to UnassignedColumn
// clears the value.
func (s *KanbanService) MoveCard(ctx context.Context, recordID uuid.UUID, fieldAPIName, toValue string) (*objectbase.ObjectRecord, error) {
	var value any = toValue
	if toValue == UnassignedColumn {
		value = nil
	}
	return s.records.UpdateRecord(ctx, recordID, map[string]any{fieldAPIName: value})
}
