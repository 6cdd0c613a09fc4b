package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the config's duration strings, such as
// schedule.retry_interval or session.backoff_base. Empty means unset and maps
// to zero; negative values are rejected. path names the field in the error so
// the operator knows which line of config.yaml to fix.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField for fields that carry a
// built-in default when left unset, like delivery.pacing or
// session.failure_cooldown.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
