package plugins

import (
	"encoding/json"
	"fmt"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// ValidateAgainst checks a job config against a backend's capability matrix.
// Unknown keys are always rejected; numeric range enforcement is skipped in
// fast-test mode so tiny deterministic runs stay legal.
func ValidateAgainst(caps models.Capabilities, config map[string]interface{}, enforceRanges bool) error {
	for key, value := range config {
		spec, ok := caps.Parameters[key]
		if !ok {
			return &interfaces.ValidationError{
				Backend:   caps.Backend,
				Parameter: key,
				Reason:    "unsupported parameter",
			}
		}

		if !enforceRanges {
			continue
		}

		num, isNum := toFloat(value)
		if !isNum {
			continue
		}
		if spec.Min != nil && num < *spec.Min {
			return &interfaces.ValidationError{
				Backend:   caps.Backend,
				Parameter: key,
				Reason:    fmt.Sprintf("value %v below minimum %v", value, *spec.Min),
			}
		}
		if spec.Max != nil && num > *spec.Max {
			return &interfaces.ValidationError{
				Backend:   caps.Backend,
				Parameter: key,
				Reason:    fmt.Sprintf("value %v above maximum %v", value, *spec.Max),
			}
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// IntParam reads an integer config value with a default; JSON decoding
// produces float64 for numbers.
func IntParam(config map[string]interface{}, key string, fallback int) int {
	if v, ok := config[key]; ok {
		if f, isNum := toFloat(v); isNum {
			return int(f)
		}
	}
	return fallback
}

// StringParam reads a string config value with a default
func StringParam(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key]; ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return fallback
}

// FloatPtr is a convenience for optional telemetry values
func FloatPtr(v float64) *float64 {
	return &v
}
