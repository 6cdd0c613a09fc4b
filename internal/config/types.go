package config

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "300ms", "5m", "1h").
// The file may be JSON or YAML; YAML is coerced through the strict JSON
// decoder so unknown fields are rejected in both formats.
type Config struct {
	Schedule   ScheduleConfig   `json:"schedule"`
	Session    SessionConfig    `json:"session"`
	History    HistoryConfig    `json:"history"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Generation GenerationConfig `json:"generation"`
	Roster     RosterConfig     `json:"roster"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Convo      ConvoConfig      `json:"conversations"`
	HTTP       HTTPConfig       `json:"http"`
	Logging    LoggingConfig    `json:"logging"`
}

// ScheduleConfig controls the daily delivery trigger.
type ScheduleConfig struct {
	// Time is the daily send time as "HH:MM" (24h).
	Time     string `json:"time"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "America/Sao_Paulo"

	// SendOnStart triggers a delivery run shortly after startup
	// (useful for development; duplicate runs are still dropped).
	SendOnStart bool `json:"send_on_start,omitempty"`

	// RetryInterval is how long to wait before retrying a run that was
	// deferred because the session was not ready.
	RetryInterval string `json:"retry_interval,omitempty"` // default "5m"
}

// SessionConfig controls the WhatsApp session supervisor.
type SessionConfig struct {
	AuthDir    string `json:"auth_dir"`
	GatewayURL string `json:"gateway_url"`

	AuthTimeout     string `json:"auth_timeout,omitempty"`     // default "5m"
	ReconnectMax    int    `json:"reconnect_max,omitempty"`    // default 5
	BackoffBase     string `json:"backoff_base,omitempty"`     // default "5s"
	RestartPause    string `json:"restart_pause,omitempty"`    // default "15s"
	FailureCooldown string `json:"failure_cooldown,omitempty"` // default "1h"
	OnlineWindow    string `json:"online_window,omitempty"`    // default "1m"

	HealthInterval string `json:"health_interval,omitempty"` // default "5m"
	HealthFailures int    `json:"health_failures,omitempty"` // default 3
}

// HistoryConfig controls the send-history ledger.
//
// Driver values:
//   - "file": snapshot JSON document (default)
//   - "sqlite": SQLite database file
type HistoryConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path"`

	RetentionDays   int    `json:"retention_days,omitempty"`    // default 90
	DedupWindowDays int    `json:"dedup_window_days,omitempty"` // default 30
	WindowInclusive *bool  `json:"window_inclusive,omitempty"`  // default true
	CacheTTL        string `json:"cache_ttl,omitempty"`         // default "5m"
	BusyTimeout     string `json:"busy_timeout,omitempty"`      // sqlite only
}

// DeliveryConfig controls the roster fan-out.
type DeliveryConfig struct {
	Pacing            string `json:"pacing,omitempty"`             // default "300ms"
	GenerationRetries int    `json:"generation_retries,omitempty"` // default 3
}

// GenerationConfig controls the devotional generator.
type GenerationConfig struct {
	// APIKeyEnv names the environment variable holding the Gemini API key.
	// The key itself never lives in the config file.
	APIKeyEnv string   `json:"api_key_env,omitempty"` // default "GEMINI_API_KEY"
	Models    []string `json:"models,omitempty"`
	BaseURL   string   `json:"base_url,omitempty"`

	Temperature float64 `json:"temperature,omitempty"`  // default 0.7
	MaxKBBytes  int     `json:"max_kb_bytes,omitempty"` // knowledge-base clamp, default 15000
	Timeout     string  `json:"timeout,omitempty"`      // default "2m"
}

type RosterConfig struct {
	Dir string `json:"dir"`
}

type KnowledgeConfig struct {
	Dir      string `json:"dir"`
	CacheTTL string `json:"cache_ttl,omitempty"` // default "10m"
}

// ConvoConfig controls per-recipient conversation state and auto-replies.
type ConvoConfig struct {
	Dir        string `json:"dir"`
	AutoReply  *bool  `json:"auto_reply,omitempty"`  // default true
	MaxHistory int    `json:"max_history,omitempty"` // default 100
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// WindowIsInclusive reports the dedup boundary policy: when true, a
// fingerprint exactly dedup_window_days old still counts as used.
func (h HistoryConfig) WindowIsInclusive() bool {
	if h.WindowInclusive == nil {
		return true
	}
	return *h.WindowInclusive
}

// AutoReplyEnabled defaults to true when the field is omitted.
func (c ConvoConfig) AutoReplyEnabled() bool {
	if c.AutoReply == nil {
		return true
	}
	return *c.AutoReply
}
