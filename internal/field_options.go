package internal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lychee-technology/objectbase"
)

const uuidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

// fieldOptionSchemas holds the JSON Schema of FieldOptions per data type.
var fieldOptionSchemas = map[objectbase.DataType]string{
	objectbase.DataTypeLookup: `{
		"type": "object",
		"required": ["target_object_type_id"],
		"properties": {
			"target_object_type_id": {"type": "string", "pattern": "` + uuidPattern + `"},
			"display_field_api_name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"}
		}
	}`,
	objectbase.DataTypeCurrency: `{
		"type": "object",
		"properties": {
			"currency_code": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"precision": {"type": "integer", "minimum": 0, "maximum": 6}
		}
	}`,
	objectbase.DataTypeNumber: `{
		"type": "object",
		"properties": {
			"precision": {"type": "integer", "minimum": 0, "maximum": 10}
		}
	}`,
	objectbase.DataTypeText: `{
		"type": "object",
		"properties": {
			"max_length": {"type": "integer", "minimum": 1, "maximum": 10000}
		}
	}`,
	objectbase.DataTypeTextarea: `{
		"type": "object",
		"properties": {
			"max_length": {"type": "integer", "minimum": 1, "maximum": 100000}
		}
	}`,
}

var (
	resolvedOptionSchemas   = map[objectbase.DataType]*jsonschema.Resolved{}
	resolvedOptionSchemasMu sync.Mutex
)

func optionSchemaFor(dt objectbase.DataType) (*jsonschema.Resolved, error) {
	raw, ok := fieldOptionSchemas[dt]
	if !ok {
		return nil, nil
	}

	resolvedOptionSchemasMu.Lock()
	defer resolvedOptionSchemasMu.Unlock()
	if resolved, ok := resolvedOptionSchemas[dt]; ok {
		return resolved, nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options schema for %s: %w", dt, err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve options schema for %s: %w", dt, err)
	}
	resolvedOptionSchemas[dt] = resolved
	return resolved, nil
}

// ValidateFieldOptions checks opts against the schema registered for dt.
func ValidateFieldOptions(dt objectbase.DataType, opts objectbase.FieldOptions) error {
	if !dt.Valid() {
		return objectbase.NewValidationError("data_type", fmt.Sprintf("unknown data type %q", dt))
	}
	resolved, err := optionSchemaFor(dt)
	if err != nil {
		return objectbase.NewInternalError("options schema", err)
	}
	if resolved == nil {
		return nil
	}

	data, err := json.Marshal(opts)
	if err != nil {
		return objectbase.NewInternalError("marshal field options", err)
	}
	var instance map[string]any
	if err := json.Unmarshal(data, &instance); err != nil {
		return objectbase.NewInternalError("unmarshal field options", err)
	}

	if err := resolved.Validate(instance); err != nil {
		return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeInvalidFieldOptions, err.Error()).
			WithField("options").
			WithDetail("data_type", string(dt))
	}
	return nil
}
