package internal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestAPIName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Customer Email!", "customer_email"},
		{"  First   Name ", "first_name"},
		{"AI Status", "ai_status"},
		{"Größe", "groesse"},
		{"2nd Contact", "f_2nd_contact"},
		{"!!!", "field"},
		{"already_snake", "already_snake"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := SuggestAPIName(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.NoError(t, ValidateAPIName(got))
		})
	}
}

func TestValidateAPIName(t *testing.T) {
	assert.NoError(t, ValidateAPIName("customer_email"))

	for _, bad := range []string{"", "Customer", "1abc", "has-dash", "with space"} {
		err := ValidateAPIName(bad)
		require.Error(t, err, bad)
		assert.Equal(t, objectbase.ErrCodeInvalidAPIName, objectbase.ErrorCode(err))
	}
}

func TestValidateFieldOptions(t *testing.T) {
	target := uuid.New()
	precision := 2
	tooPrecise := 12
	maxLen := 255

	tests := []struct {
		name    string
		dt      objectbase.DataType
		opts    objectbase.FieldOptions
		wantErr bool
	}{
		{"lookup with target", objectbase.DataTypeLookup, objectbase.FieldOptions{TargetObjectTypeID: &target}, false},
		{"lookup without target", objectbase.DataTypeLookup, objectbase.FieldOptions{}, true},
		{"currency ok", objectbase.DataTypeCurrency, objectbase.FieldOptions{CurrencyCode: "EUR", Precision: &precision}, false},
		{"currency bad code", objectbase.DataTypeCurrency, objectbase.FieldOptions{CurrencyCode: "euro"}, true},
		{"number precision too high", objectbase.DataTypeNumber, objectbase.FieldOptions{Precision: &tooPrecise}, true},
		{"text max length", objectbase.DataTypeText, objectbase.FieldOptions{MaxLength: &maxLen}, false},
		{"picklist has no options schema", objectbase.DataTypePicklist, objectbase.FieldOptions{}, false},
		{"unknown type", objectbase.DataType("geo"), objectbase.FieldOptions{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFieldOptions(tt.dt, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, objectbase.IsValidationError(err))
				return
			}
			require.NoError(t, err)
		})
	}
}
