package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for leavenote
type Config struct {
	// Telegram credentials and the single monitored group
	BotToken    string `json:"bot_token" yaml:"bot_token"`
	GroupChatID int64  `json:"group_chat_id" yaml:"group_chat_id"`

	// Long-poll timeout passed to getUpdates (server-side hold)
	PollTimeout time.Duration `json:"poll_timeout" yaml:"poll_timeout"`
	// Per-request upper bound for any single Bot API call
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// Dedup ledger retention window and size cap. Entries older than the
	// window are evicted; above the cap the ledger degrades to admit-all.
	DedupWindow     time.Duration `json:"dedup_window" yaml:"dedup_window"`
	DedupMaxEntries int           `json:"dedup_max_entries" yaml:"dedup_max_entries"`

	// Outbound send pacing (Telegram throttles bots that burst)
	SendRate  float64 `json:"send_rate" yaml:"send_rate"`
	SendBurst int     `json:"send_burst" yaml:"send_burst"`

	// HTTP port for health endpoints; /metrics and /status are mounted on the
	// same mux when MetricsEnabled is set.
	Port           int  `json:"port" yaml:"port"`
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		PollTimeout:    50 * time.Second,
		RequestTimeout: 10 * time.Second,

		// Long enough to cover both Telegram channels reporting the same
		// departure, short enough to stay bounded.
		DedupWindow:     10 * time.Minute,
		DedupMaxEntries: 4096,

		SendRate:  1,
		SendBurst: 5,

		Port:           8000,
		MetricsEnabled: true,
	}
}

// Validate returns a list of non-fatal configuration warnings. Missing
// credentials are checked separately at startup and are fatal there.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.GroupChatID > 0, "group_chat_id is positive: Telegram group chat ids are negative numbers"},
		{c.DedupWindow < 30*time.Second, "dedup_window under 30s may let the second event channel slip past deduplication"},
		{c.DedupMaxEntries <= 0, "dedup_max_entries must be positive; ledger will run degraded (admit-all)"},
		{c.SendRate <= 0, "send_rate must be positive; outbound sends will not be paced"},
		{c.PollTimeout < time.Second, "poll_timeout under 1s turns long polling into busy polling"},
		{c.Port <= 0 || c.Port > 65535, "port outside the valid range"},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	return warnings
}

// LoadConfigFromFile loads config from a YAML/JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
