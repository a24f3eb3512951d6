package internal

import (
	"strings"

	"github.com/lychee-technology/objectbase"
)

// ProjectFieldValues keeps only the requested field values. If apiNames is
// empty the original map is returned unchanged.
func ProjectFieldValues(values map[string]string, apiNames []string) map[string]string {
	if len(apiNames) == 0 {
		return values
	}

	result := make(map[string]string, len(apiNames))
	for _, name := range apiNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if val, ok := values[name]; ok {
			result[name] = val
		}
	}
	return result
}

// ProjectFields keeps the field definitions named in apiNames, in their
// original order.
func ProjectFields(fields []objectbase.ObjectField, apiNames []string) []objectbase.ObjectField {
	if len(apiNames) == 0 {
		return fields
	}
	keep := make(map[string]struct{}, len(apiNames))
	for _, name := range apiNames {
		keep[strings.TrimSpace(name)] = struct{}{}
	}
	out := make([]objectbase.ObjectField, 0, len(apiNames))
	for _, f := range fields {
		if _, ok := keep[f.APIName]; ok {
			out = append(out, f)
		}
	}
	return out
}

// ProjectRecord returns a copy of record restricted to apiNames.
func ProjectRecord(record *objectbase.ObjectRecord, apiNames []string) *objectbase.ObjectRecord {
	if record == nil {
		return nil
	}

	if len(apiNames) == 0 {
		return record
	}

	projected := *record
	projected.FieldValues = ProjectFieldValues(record.FieldValues, apiNames)
	return &projected
}

// TranslateFieldValues renames values from the sharer's api names to the
// receiver's. Fields without a mapping are dropped.
func TranslateFieldValues(mappings []objectbase.FieldMapping, values map[string]string) map[string]string {
	lookup := make(map[string]string, len(mappings))
	for _, m := range mappings {
		lookup[m.SharerFieldAPIName] = m.ReceiverFieldAPIName
	}
	out := make(map[string]string, len(mappings))
	for name, v := range values {
		if target, ok := lookup[name]; ok && target != "" {
			out[target] = v
		}
	}
	return out
}
