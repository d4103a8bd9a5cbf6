package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - LEAVENOTE_BOT_TOKEN (string; BOT_TOKEN also accepted)
// - LEAVENOTE_GROUP_CHAT_ID (int64, negative for groups; GROUP_CHAT_ID also accepted)
// - LEAVENOTE_POLL_TIMEOUT (duration, e.g. "50s")
// - LEAVENOTE_REQUEST_TIMEOUT (duration, e.g. "10s")
// - LEAVENOTE_DEDUP_WINDOW (duration, e.g. "10m")
// - LEAVENOTE_DEDUP_MAX_ENTRIES (int)
// - LEAVENOTE_SEND_RATE (float, messages per second)
// - LEAVENOTE_SEND_BURST (int)
// - LEAVENOTE_PORT / PORT (int)
// - LEAVENOTE_METRICS_ENABLED (bool)
func ApplyEnvOverrides(cfg *Config) error {
	if err := applyCredentialEnv(cfg); err != nil {
		return err
	}
	if err := applyTimingEnv(cfg); err != nil {
		return err
	}
	if err := applyDedupEnv(cfg); err != nil {
		return err
	}
	if err := applySendEnv(cfg); err != nil {
		return err
	}
	return applyServerEnv(cfg)
}

// applyCredentialEnv reads the bot token and monitored group id. The
// unprefixed names match what the hosting platforms the bot was deployed on
// historically used.
func applyCredentialEnv(cfg *Config) error {
	if v := firstEnv("LEAVENOTE_BOT_TOKEN", "BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := firstEnv("LEAVENOTE_GROUP_CHAT_ID", "GROUP_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GROUP_CHAT_ID: %w", err)
		}
		cfg.GroupChatID = id
	}
	return nil
}

func applyTimingEnv(cfg *Config) error {
	if err := setDurationEnv("LEAVENOTE_POLL_TIMEOUT", func(d time.Duration) { cfg.PollTimeout = d }); err != nil {
		return err
	}
	return setDurationEnv("LEAVENOTE_REQUEST_TIMEOUT", func(d time.Duration) { cfg.RequestTimeout = d })
}

func applyDedupEnv(cfg *Config) error {
	if err := setDurationEnv("LEAVENOTE_DEDUP_WINDOW", func(d time.Duration) { cfg.DedupWindow = d }); err != nil {
		return err
	}
	if v := os.Getenv("LEAVENOTE_DEDUP_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEAVENOTE_DEDUP_MAX_ENTRIES: %w", err)
		}
		cfg.DedupMaxEntries = n
	}
	return nil
}

func applySendEnv(cfg *Config) error {
	if v := os.Getenv("LEAVENOTE_SEND_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LEAVENOTE_SEND_RATE: %w", err)
		}
		cfg.SendRate = r
	}
	if v := os.Getenv("LEAVENOTE_SEND_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEAVENOTE_SEND_BURST: %w", err)
		}
		cfg.SendBurst = n
	}
	return nil
}

func applyServerEnv(cfg *Config) error {
	if v := firstEnv("LEAVENOTE_PORT", "PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}
	return setBoolEnv("LEAVENOTE_METRICS_ENABLED", func(b bool) { cfg.MetricsEnabled = b })
}

// firstEnv returns the first non-empty value among the named variables
func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(env string, setter func(bool)) error {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}

// setDurationEnv is a small helper to parse duration environment variables
func setDurationEnv(env string, setter func(time.Duration)) error {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(d)
	}
	return nil
}
