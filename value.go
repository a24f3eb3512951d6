package objectbase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueKind tags the variant held by a FieldValue.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindText
	KindNumber
	KindBool
	KindDate
	KindPicklist
	KindLookup
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindPicklist:
		return "picklist"
	case KindLookup:
		return "lookup"
	default:
		return "null"
	}
}

const (
	dateLayout = "2006-01-02"
)

// FieldValue is a typed field value. Only the member matching Kind is set.
type FieldValue struct {
	Kind     ValueKind
	Text     string
	Number   float64
	Bool     bool
	Time     time.Time
	DateOnly bool
	Lookup   uuid.UUID
	// Places fixes the number of decimals a number is stored with. Nil keeps
	// the shortest form.
	Places *int
}

func TextValue(s string) FieldValue      { return FieldValue{Kind: KindText, Text: s} }
func NumberValue(f float64) FieldValue   { return FieldValue{Kind: KindNumber, Number: f} }
func BoolValue(b bool) FieldValue        { return FieldValue{Kind: KindBool, Bool: b} }
func PicklistOption(v string) FieldValue { return FieldValue{Kind: KindPicklist, Text: v} }
func LookupValue(id uuid.UUID) FieldValue {
	return FieldValue{Kind: KindLookup, Lookup: id}
}

// DateValue holds a calendar date (no time of day).
func DateValue(t time.Time) FieldValue {
	y, m, d := t.Date()
	return FieldValue{Kind: KindDate, Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), DateOnly: true}
}

// DateTimeValue holds an instant.
func DateTimeValue(t time.Time) FieldValue {
	return FieldValue{Kind: KindDate, Time: t.UTC()}
}

// IsNull reports whether the value is absent.
func (v FieldValue) IsNull() bool { return v.Kind == KindNull }

// Encode renders the value in its stored string form.
func (v FieldValue) Encode() string {
	switch v.Kind {
	case KindText, KindPicklist:
		return v.Text
	case KindNumber:
		if v.Places != nil {
			return strconv.FormatFloat(v.Number, 'f', *v.Places, 64)
		}
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		if v.DateOnly {
			return v.Time.Format(dateLayout)
		}
		return v.Time.Format(time.RFC3339)
	case KindLookup:
		return v.Lookup.String()
	default:
		return ""
	}
}

// Interface returns the value as a plain Go value for JSON responses.
func (v FieldValue) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindBool:
		return v.Bool
	case KindNull:
		return nil
	default:
		return v.Encode()
	}
}

// KindFor maps a data type to the value kind it stores.
func KindFor(dt DataType) ValueKind {
	switch dt {
	case DataTypeNumber, DataTypeCurrency:
		return KindNumber
	case DataTypeCheckbox, DataTypeBoolean:
		return KindBool
	case DataTypeDate, DataTypeDatetime:
		return KindDate
	case DataTypePicklist:
		return KindPicklist
	case DataTypeLookup:
		return KindLookup
	default:
		return KindText
	}
}

// DecodeFieldValue parses a stored string into the variant for dt.
// An empty string decodes to a null value.
func DecodeFieldValue(dt DataType, raw string) (FieldValue, error) {
	if raw == "" {
		return FieldValue{}, nil
	}
	switch KindFor(dt) {
	case KindNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return FieldValue{}, typeMismatch(dt, raw)
		}
		return NumberValue(f), nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return FieldValue{}, typeMismatch(dt, raw)
		}
		return BoolValue(b), nil
	case KindDate:
		t, dateOnly, err := ParseDate(raw)
		if err != nil {
			return FieldValue{}, typeMismatch(dt, raw)
		}
		if dateOnly || dt == DataTypeDate {
			return DateValue(t), nil
		}
		return DateTimeValue(t), nil
	case KindPicklist:
		return PicklistOption(raw), nil
	case KindLookup:
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return FieldValue{}, typeMismatch(dt, raw)
		}
		return LookupValue(id), nil
	default:
		return TextValue(raw), nil
	}
}

// CoerceFieldValue converts an arbitrary client-supplied value into the
// variant for dt. nil yields a null value.
func CoerceFieldValue(dt DataType, in any) (FieldValue, error) {
	switch v := in.(type) {
	case nil:
		return FieldValue{}, nil
	case FieldValue:
		return v, nil
	case string:
		return DecodeFieldValue(dt, v)
	case bool:
		if KindFor(dt) == KindBool {
			return BoolValue(v), nil
		}
		return DecodeFieldValue(dt, strconv.FormatBool(v))
	case float64:
		if KindFor(dt) == KindNumber {
			return NumberValue(v), nil
		}
		return DecodeFieldValue(dt, strconv.FormatFloat(v, 'f', -1, 64))
	case int:
		return CoerceFieldValue(dt, float64(v))
	case int64:
		return CoerceFieldValue(dt, float64(v))
	case time.Time:
		if dt == DataTypeDate {
			return DateValue(v), nil
		}
		return DateTimeValue(v), nil
	case uuid.UUID:
		return DecodeFieldValue(dt, v.String())
	default:
		return DecodeFieldValue(dt, fmt.Sprint(v))
	}
}

// DefaultCurrencyPrecision applies to currency fields without a precision option.
const DefaultCurrencyPrecision = 2

// CoerceField is CoerceFieldValue for a concrete field. Currency values are
// stored with the field's precision so "10.00" keeps its trailing zeros.
func CoerceField(field ObjectField, in any) (FieldValue, error) {
	v, err := CoerceFieldValue(field.DataType, in)
	if err != nil || v.Kind != KindNumber || field.DataType != DataTypeCurrency {
		return v, err
	}
	places := DefaultCurrencyPrecision
	if field.Options.Precision != nil && *field.Options.Precision >= 0 {
		places = *field.Options.Precision
	}
	v.Places = &places
	return v, nil
}

// ParseDate accepts a calendar date or an RFC3339 timestamp.
func ParseDate(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, false, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05", raw)
	return t, false, err
}

func typeMismatch(dt DataType, raw string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeTypeMismatch,
		Message: fmt.Sprintf("value %q is not a valid %s", raw, dt),
	}
}
