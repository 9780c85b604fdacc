package validation

import (
	"strings"

	"github.com/haven-hmis/recordflow/internal/hmis"
	"gorm.io/datatypes"
)

// Payload values arrive either from typed callers or from a decoded JSON
// column, so numbers may be int, int64, or float64 and enums may be any
// string-kinded type. The accessors below normalize both shapes.

func stringField(payload datatypes.JSONMap, key string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case hmis.FivePoint:
		return string(v)
	case hmis.DVRecency:
		return string(v)
	case hmis.RedactionLevel:
		return string(v)
	case hmis.MoveInType:
		return string(v)
	}
	return ""
}

func fivePointField(payload datatypes.JSONMap, key string) hmis.FivePoint {
	return hmis.FivePoint(stringField(payload, key))
}

func intField(payload datatypes.JSONMap, key string) (int, bool) {
	value, ok := payload[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

func boolField(payload datatypes.JSONMap, key string) bool {
	value, ok := payload[key]
	if !ok || value == nil {
		return false
	}
	b, ok := value.(bool)
	return ok && b
}

func present(payload datatypes.JSONMap, key string) bool {
	value, ok := payload[key]
	if !ok || value == nil {
		return false
	}
	if s, isString := value.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}
