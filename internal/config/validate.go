package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Validate checks the parts of the config that would otherwise fail late
// (at the scheduled tick or mid-reconnect). It is also installed as the
// Watch() validator so a broken edit never replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if _, _, err := ParseHHMM(cfg.Schedule.Time); err != nil {
		return fmt.Errorf("schedule.time: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}

	if strings.TrimSpace(cfg.Session.GatewayURL) == "" {
		return errors.New("session.gateway_url is required")
	}
	if strings.TrimSpace(cfg.Session.AuthDir) == "" {
		return errors.New("session.auth_dir is required")
	}
	if strings.TrimSpace(cfg.History.Path) == "" {
		return errors.New("history.path is required")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.History.Driver)); d {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("history.driver: unknown driver %q", d)
	}

	for _, f := range []struct{ path, raw string }{
		{"schedule.retry_interval", cfg.Schedule.RetryInterval},
		{"session.auth_timeout", cfg.Session.AuthTimeout},
		{"session.backoff_base", cfg.Session.BackoffBase},
		{"session.restart_pause", cfg.Session.RestartPause},
		{"session.failure_cooldown", cfg.Session.FailureCooldown},
		{"session.online_window", cfg.Session.OnlineWindow},
		{"session.health_interval", cfg.Session.HealthInterval},
		{"history.cache_ttl", cfg.History.CacheTTL},
		{"history.busy_timeout", cfg.History.BusyTimeout},
		{"delivery.pacing", cfg.Delivery.Pacing},
		{"generation.timeout", cfg.Generation.Timeout},
		{"knowledge.cache_ttl", cfg.Knowledge.CacheTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.DedupWindowDays < 0 {
		return errors.New("history.dedup_window_days must be >= 0")
	}
	return nil
}

// ParseHHMM parses a "HH:MM" clock time.
func ParseHHMM(raw string) (hour, minute int, err error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}
