package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load reads and strictly parses the config file at path.
// JSON and YAML are both accepted; YAML is coerced to JSON first so both
// formats go through the same strict decoder.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := yamlToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the config that cannot default sensibly.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		return errors.New("queue.path is required")
	}
	if strings.TrimSpace(c.Gateway.TokenURL) != "" && strings.TrimSpace(c.Gateway.AppID) == "" {
		return errors.New("gateway.app_id is required when gateway.token_url is set")
	}
	if c.Scheduler.PreviewHorizonDays < 0 {
		return errors.New("scheduler.preview_horizon_days must be >= 0")
	}
	// Durations are validated where they are parsed so errors carry the
	// field path; here we only pre-flight the ones with no defaults.
	for _, f := range []struct{ path, raw string }{
		{"gateway.timeout", c.Gateway.Timeout},
		{"gateway.retry_delay", c.Gateway.RetryDelay},
		{"gateway.throttle_delay", c.Gateway.ThrottleDelay},
		{"queue.lease_for", c.Queue.LeaseFor},
		{"queue.drain_every", c.Queue.DrainEvery},
		{"scheduler.delivering_stale", c.Scheduler.DeliveringStale},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
