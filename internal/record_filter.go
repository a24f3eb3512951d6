package internal

import (
	"strconv"
	"strings"
	"time"

	"github.com/lychee-technology/objectbase"
)

var knownOperators = map[objectbase.FilterOperator]struct{}{
	objectbase.FilterEquals: {}, objectbase.FilterIs: {},
	objectbase.FilterNotEqual: {}, objectbase.FilterIsNot: {},
	objectbase.FilterContains: {}, objectbase.FilterStartsWith: {},
	objectbase.FilterGreaterThan: {}, objectbase.FilterLessThan: {},
	objectbase.FilterBefore: {}, objectbase.FilterAfter: {},
}

// ValidateFilters rejects filters without a field or with an unknown operator.
func ValidateFilters(filters []objectbase.Filter) error {
	for _, f := range filters {
		if strings.TrimSpace(f.Field) == "" {
			return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeInvalidFilter, "filter field is required")
		}
		if _, ok := knownOperators[f.Operator]; !ok {
			return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeInvalidFilter,
				"unknown filter operator "+string(f.Operator)).WithField(f.Field)
		}
		if f.IsSystemFilter() && f.Value != "" {
			if _, _, err := objectbase.ParseDate(f.Value); err != nil {
				return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeInvalidFilter,
					"system field filters need a date value").WithField(f.Field)
			}
		}
	}
	return nil
}

// splitFilters separates filters evaluated in SQL from filters evaluated in memory.
func splitFilters(filters []objectbase.Filter) (server, client []objectbase.Filter) {
	for _, f := range filters {
		if f.IsSystemFilter() {
			server = append(server, f)
		} else {
			client = append(client, f)
		}
	}
	return server, client
}

// MatchesFilter evaluates one filter against a record's values. A filter
// with an empty value is no constraint; the literal "false" is a value.
func MatchesFilter(record objectbase.ObjectRecord, f objectbase.Filter) bool {
	if f.Value == "" {
		return true
	}
	actual, _ := record.Value(f.Field)
	left := strings.ToLower(actual)
	right := strings.ToLower(f.Value)

	switch f.Operator {
	case objectbase.FilterEquals, objectbase.FilterIs:
		return left == right
	case objectbase.FilterNotEqual, objectbase.FilterIsNot:
		return left != right
	case objectbase.FilterContains:
		return strings.Contains(left, right)
	case objectbase.FilterStartsWith:
		return strings.HasPrefix(left, right)
	case objectbase.FilterGreaterThan, objectbase.FilterLessThan:
		a, okA := tryParseNumber(actual)
		b, okB := tryParseNumber(f.Value)
		if !okA || !okB {
			return false
		}
		if f.Operator == objectbase.FilterGreaterThan {
			return a > b
		}
		return a < b
	case objectbase.FilterBefore, objectbase.FilterAfter:
		a, ok := parseFilterDate(actual)
		if !ok {
			return false
		}
		b, ok := parseFilterDate(f.Value)
		if !ok {
			return false
		}
		if f.Operator == objectbase.FilterBefore {
			return a.Before(b)
		}
		return a.After(b)
	default:
		return true
	}
}

func parseFilterDate(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	t, _, err := objectbase.ParseDate(raw)
	return t, err == nil
}

// MatchesAll reports whether record passes every filter.
func MatchesAll(record objectbase.ObjectRecord, filters []objectbase.Filter) bool {
	for _, f := range filters {
		if !MatchesFilter(record, f) {
			return false
		}
	}
	return true
}

// ApplyFilters returns the records passing every filter. The input slice
// is left untouched.
func ApplyFilters(records []objectbase.ObjectRecord, filters []objectbase.Filter) []objectbase.ObjectRecord {
	out := make([]objectbase.ObjectRecord, 0, len(records))
	for _, r := range records {
		if MatchesAll(r, filters) {
			out = append(out, r)
		}
	}
	return out
}

// systemFilterClause renders a timestamp filter as SQL. argIndex is the
// placeholder number of the first argument it adds.
func systemFilterClause(f objectbase.Filter, argIndex int) (string, []any, bool) {
	if f.Value == "" {
		return "", nil, false
	}
	at, dateOnly, err := objectbase.ParseDate(f.Value)
	if err != nil {
		return "", nil, false
	}
	column := sanitizeIdentifier(f.Field)
	switch f.Operator {
	case objectbase.FilterBefore, objectbase.FilterLessThan:
		return column + " < $" + strconv.Itoa(argIndex), []any{at}, true
	case objectbase.FilterAfter, objectbase.FilterGreaterThan:
		return column + " > $" + strconv.Itoa(argIndex), []any{at}, true
	case objectbase.FilterEquals, objectbase.FilterIs:
		start := at.UTC()
		if !dateOnly {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		}
		return column + " >= $" + strconv.Itoa(argIndex) + " AND " + column + " < $" + strconv.Itoa(argIndex+1),
			[]any{start, start.AddDate(0, 0, 1)}, true
	default:
		return "", nil, false
	}
}
