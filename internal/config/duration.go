package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations in the config are Go duration strings ("500ms", "90s",
// "2m"). An omitted field means "use the component's default"; a
// negative value is rejected outright so a typo can never silently
// disable a retry delay or lease window.

// ParseDurationField parses one duration field. path names the field
// in errors (e.g. "queue.lease_for"); empty input parses to zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// omitted fields.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
