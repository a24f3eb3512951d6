package internal

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lychee-technology/objectbase"
)

var apiNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxAPINameLength = 63

// SuggestAPIName derives a snake_case api name from a display name:
// "Customer Email!" becomes "customer_email".
func SuggestAPIName(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			if folded, ok := transliterate[r]; ok {
				if pendingSep && b.Len() > 0 {
					b.WriteByte('_')
				}
				pendingSep = false
				b.WriteString(folded)
				continue
			}
			pendingSep = true
		}
	}
	out := b.String()
	if out == "" {
		return "field"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "f_" + out
	}
	if len(out) > maxAPINameLength {
		out = strings.TrimRight(out[:maxAPINameLength], "_")
	}
	return out
}

var transliterate = map[rune]string{
	'ä': "ae", 'ö': "oe", 'ü': "ue", 'ß': "ss",
	'Ä': "ae", 'Ö': "oe", 'Ü': "ue",
	'é': "e", 'è': "e", 'à': "a", 'ç': "c",
}

// ValidateAPIName checks the api name pattern.
func ValidateAPIName(apiName string) error {
	if !apiNamePattern.MatchString(apiName) || len(apiName) > maxAPINameLength {
		return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeInvalidAPIName,
			"api name must start with a lowercase letter and contain only lowercase letters, digits and underscores").
			WithField("api_name").
			WithDetail("api_name", apiName)
	}
	return nil
}

func duplicateAPIName(apiName string) *objectbase.Error {
	return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeDuplicateAPIName,
		"api name "+apiName+" is already in use").
		WithField("api_name").
		WithDetail("api_name", apiName)
}
