package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from Go duration strings
// ("500ms", "2s", "1m") in both JSON and YAML-coerced configs.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration must be >= 0, got %q", x)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(x * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
