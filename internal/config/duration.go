package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a config-file duration field: a Go duration string such as
// "500ms", "10s" or "1m". The empty string means unset.
type Duration string

// Parse resolves the field to a time.Duration, falling back to def when the
// field is unset. field names the config key so a rejected value (or a
// rejected hot reload) points at the offending line.
func (d Duration) Parse(field string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(string(d))
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return v, nil
}
