package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/cloudwego/eino/schema"
)

// validateArgs checks required fields and primitive types against the
// declared parameter shape. Unknown keys are ignored.
func validateArgs(args map[string]any, params map[string]*schema.ParameterInfo) error {
	if len(params) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := params[name]
		if info == nil {
			continue
		}
		value, ok := args[name]
		if !ok {
			if info.Required {
				return fmt.Errorf("missing required field: %s", name)
			}
			continue
		}
		if err := validateValue(value, info); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	return nil
}

func validateValue(value any, info *schema.ParameterInfo) error {
	if info.Type == "" {
		return nil
	}
	if err := validateType(value, info.Type); err != nil {
		return err
	}
	if len(info.Enum) > 0 {
		s, _ := value.(string)
		for _, allowed := range info.Enum {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %v is not one of %v", value, info.Enum)
	}
	return nil
}

func validateType(value any, expected schema.DataType) error {
	switch expected {
	case schema.String:
		if _, ok := value.(string); ok {
			return nil
		}
	case schema.Number:
		if isNumber(value) {
			return nil
		}
	case schema.Integer:
		if isInteger(value) {
			return nil
		}
	case schema.Boolean:
		if _, ok := value.(bool); ok {
			return nil
		}
	case schema.Object:
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case schema.Array:
		if _, ok := value.([]any); ok {
			return nil
		}
	case schema.Null:
		if value == nil {
			return nil
		}
	default:
		return fmt.Errorf("unsupported parameter type %q", expected)
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
