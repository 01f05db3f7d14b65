package config

// Config is the top-level celebot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the entity store (events, occurrences, teams, users).
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable outbound message queue.
//
// Defaults (when fields are omitted/zero):
//   - lease_for: "2m"
//   - drain_every: "15s"
//   - drain_batch: 32
type QueueConfig struct {
	Path       string `json:"path"`
	LeaseFor   string `json:"lease_for,omitempty"`
	DrainEvery string `json:"drain_every,omitempty"`
	DrainBatch int    `json:"drain_batch,omitempty"`
}

// GatewayConfig configures the bot connector client and its retry policy.
//
// RetryAttempts counts total attempts for network-level failures;
// ThrottleAttempts counts total attempts when the gateway answers 429.
// Both use a fixed delay between attempts.
type GatewayConfig struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	TokenURL  string `json:"token_url"`
	Scope     string `json:"scope,omitempty"`

	Timeout          string `json:"timeout,omitempty"`           // default "30s"
	RetryAttempts    int    `json:"retry_attempts,omitempty"`    // default 3
	RetryDelay       string `json:"retry_delay,omitempty"`       // default "1s"
	ThrottleAttempts int    `json:"throttle_attempts,omitempty"` // default 3
	ThrottleDelay    string `json:"throttle_delay,omitempty"`    // default "5s"
}

// SchedulerConfig controls the time-triggered passes.
//
// Specs are cron expressions (robfig/cron, optional seconds field) or
// descriptors like "@hourly"/"@every 15s", evaluated in Timezone.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"

	PreviewSpec   string `json:"preview_spec,omitempty"`   // default "0 8 * * *"
	DeliverySpec  string `json:"delivery_spec,omitempty"`  // default "@hourly"
	ReconcileSpec string `json:"reconcile_spec,omitempty"` // default "30 */6 * * *"

	PreviewHorizonDays int    `json:"preview_horizon_days,omitempty"` // default 3
	DeliveringStale    string `json:"delivering_stale,omitempty"`     // default "24h"
}

// DispatchConfig throttles outbound sends.
type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 8
}
