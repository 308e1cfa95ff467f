package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Log            LogConfig             `yaml:"log"`
	DataDir        string                `yaml:"data_dir"`
	StatusServer   StatusServerConfig    `yaml:"status_server"`
	Pipeline       PipelineConfig        `yaml:"pipeline"`
	SendRate       SendRateConfig        `yaml:"send_rate"`
	Instances      []InstanceConfig      `yaml:"instances"`
	FixedListeners []FixedListenerConfig `yaml:"fixed_listeners"`
	Platforms      []PlatformSeed        `yaml:"platforms"`
	Rules          []RuleSeed            `yaml:"rules"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatusServerConfig controls the status/metrics HTTP server.
type StatusServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PipelineConfig holds the tunables of the polling and delivery pipeline.
type PipelineConfig struct {
	PollIntervalSeconds          int `yaml:"poll_interval_seconds"`
	TimeoutMinutes               int `yaml:"timeout_minutes"`
	MaxListeners                 int `yaml:"max_listeners"`
	DeliveryWorkers              int `yaml:"delivery_workers"`
	MergeWindowMs                int `yaml:"merge_window_ms"`
	PlatformCallTimeoutSeconds   int `yaml:"platform_call_timeout_seconds"`
	AccountingCallTimeoutSeconds int `yaml:"accounting_call_timeout_seconds"`
	ConversationPurgeDays        int `yaml:"conversation_purge_days"`
	TypingChunkSize              int `yaml:"typing_chunk_size"`
	TypingChunkDelayMs           int `yaml:"typing_chunk_delay_ms"`
}

// SendRateConfig limits outbound sends per instance.
type SendRateConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// InstanceConfig describes one remote WeChat automation daemon.
type InstanceConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled bool   `yaml:"enabled"`
}

// FixedListenerConfig declares a chat that must always have an active listener.
type FixedListenerConfig struct {
	SessionName string `yaml:"session_name"`
	Enabled     bool   `yaml:"enabled"`
	Description string `yaml:"description"`
}

// PlatformSeed is an optional platform definition reconciled into the store
// at boot. The store remains authoritative afterwards.
type PlatformSeed struct {
	ID      string                 `yaml:"id"`
	Name    string                 `yaml:"name"`
	Type    string                 `yaml:"type"`
	Enabled bool                   `yaml:"enabled"`
	Config  map[string]interface{} `yaml:"config"`
}

// RuleSeed is an optional delivery rule reconciled into the store at boot.
type RuleSeed struct {
	ID             int64  `yaml:"id"`
	Name           string `yaml:"name"`
	InstanceID     string `yaml:"instance_id"`
	ChatPattern    string `yaml:"chat_pattern"`
	PlatformID     string `yaml:"platform_id"`
	Priority       int    `yaml:"priority"`
	Enabled        bool   `yaml:"enabled"`
	OnlyAtMessages bool   `yaml:"only_at_messages"`
	AtName         string `yaml:"at_name"`
	ReplyAtSender  bool   `yaml:"reply_at_sender"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug/info/warn/error", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text/json", c.Log.Format)
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.StatusServer.Listen == "" {
		c.StatusServer.Listen = ":9100"
	}

	p := &c.Pipeline
	if p.PollIntervalSeconds == 0 {
		p.PollIntervalSeconds = 5
	}
	if p.TimeoutMinutes == 0 {
		p.TimeoutMinutes = 30
	}
	if p.MaxListeners == 0 {
		p.MaxListeners = 30
	}
	if p.DeliveryWorkers == 0 {
		p.DeliveryWorkers = 4
	}
	if p.MergeWindowMs == 0 {
		p.MergeWindowMs = 1500
	}
	if p.PlatformCallTimeoutSeconds == 0 {
		p.PlatformCallTimeoutSeconds = 60
	}
	if p.AccountingCallTimeoutSeconds == 0 {
		p.AccountingCallTimeoutSeconds = 30
	}
	if p.ConversationPurgeDays == 0 {
		p.ConversationPurgeDays = 30
	}
	if p.TypingChunkSize == 0 {
		p.TypingChunkSize = 5
	}
	if p.TypingChunkDelayMs == 0 {
		p.TypingChunkDelayMs = 150
	}

	if c.SendRate.PerMinute == 0 {
		c.SendRate.PerMinute = 20
	}
	if c.SendRate.Burst == 0 {
		c.SendRate.Burst = 5
	}

	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one instance must be configured")
	}
	seen := make(map[string]bool, len(c.Instances))
	for i := range c.Instances {
		inst := &c.Instances[i]
		if inst.ID == "" {
			return fmt.Errorf("instances[%d].id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instance id %q is duplicated", inst.ID)
		}
		seen[inst.ID] = true
		if inst.BaseURL == "" {
			return fmt.Errorf("instances[%d].base_url is required", i)
		}
		if inst.Name == "" {
			inst.Name = inst.ID
		}
	}

	for i, fl := range c.FixedListeners {
		if fl.SessionName == "" {
			return fmt.Errorf("fixed_listeners[%d].session_name is required", i)
		}
	}

	for i, ps := range c.Platforms {
		if ps.ID == "" {
			return fmt.Errorf("platforms[%d].id is required", i)
		}
		if ps.Type == "" {
			return fmt.Errorf("platforms[%d].type is required", i)
		}
	}
	for i := range c.Rules {
		rs := &c.Rules[i]
		if rs.ID == 0 {
			return fmt.Errorf("rules[%d].id is required and must be non-zero", i)
		}
		if rs.PlatformID == "" {
			return fmt.Errorf("rules[%d].platform_id is required", i)
		}
		if rs.InstanceID == "" {
			rs.InstanceID = "*"
		}
		if rs.ChatPattern == "" {
			rs.ChatPattern = "*"
		}
		if expr, ok := strings.CutPrefix(rs.ChatPattern, "regex:"); ok {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("rules[%d].chat_pattern: %w", i, err)
			}
		}
	}

	return nil
}

// DatabasePath returns the SQLite file location under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "wxauto_mgt.db")
}

// DownloadsDir returns the attachment staging directory.
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

// PollInterval returns the listener poll period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pipeline.PollIntervalSeconds) * time.Second
}

// ListenerTimeout returns how long an auto-added listener may stay silent
// before housekeeping inactivates it.
func (c *Config) ListenerTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutMinutes) * time.Minute
}

// MergeWindow returns the burst-merge window.
func (c *Config) MergeWindow() time.Duration {
	return time.Duration(c.Pipeline.MergeWindowMs) * time.Millisecond
}

// PlatformCallTimeout returns the deadline for a platform invocation.
func (c *Config) PlatformCallTimeout() time.Duration {
	return time.Duration(c.Pipeline.PlatformCallTimeoutSeconds) * time.Second
}

// AccountingCallTimeout returns the tighter deadline for the accounting platform.
func (c *Config) AccountingCallTimeout() time.Duration {
	return time.Duration(c.Pipeline.AccountingCallTimeoutSeconds) * time.Second
}

// ConversationPurgeAge returns the age beyond which idle conversation
// mappings are purged.
func (c *Config) ConversationPurgeAge() time.Duration {
	return time.Duration(c.Pipeline.ConversationPurgeDays) * 24 * time.Hour
}

// TypingChunkDelay returns the pause between typing-mode chunks.
func (c *Config) TypingChunkDelay() time.Duration {
	return time.Duration(c.Pipeline.TypingChunkDelayMs) * time.Millisecond
}
