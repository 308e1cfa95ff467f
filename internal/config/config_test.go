package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validMinimalConfig returns a minimal valid configuration for testing.
func validMinimalConfig() *Config {
	return &Config{
		Instances: []InstanceConfig{
			{
				ID:      "main",
				BaseURL: "http://127.0.0.1:5000",
				APIKey:  "test-key",
				Enabled: true,
			},
		},
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate minimal config: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected default log format 'text', got %s", cfg.Log.Format)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("expected default data_dir './data', got %s", cfg.DataDir)
	}
	if cfg.StatusServer.Listen != ":9100" {
		t.Errorf("expected default status listen ':9100', got %s", cfg.StatusServer.Listen)
	}

	p := cfg.Pipeline
	if p.PollIntervalSeconds != 5 {
		t.Errorf("expected default poll_interval_seconds 5, got %d", p.PollIntervalSeconds)
	}
	if p.TimeoutMinutes != 30 {
		t.Errorf("expected default timeout_minutes 30, got %d", p.TimeoutMinutes)
	}
	if p.MaxListeners != 30 {
		t.Errorf("expected default max_listeners 30, got %d", p.MaxListeners)
	}
	if p.DeliveryWorkers != 4 {
		t.Errorf("expected default delivery_workers 4, got %d", p.DeliveryWorkers)
	}
	if p.MergeWindowMs != 1500 {
		t.Errorf("expected default merge_window_ms 1500, got %d", p.MergeWindowMs)
	}
	if p.PlatformCallTimeoutSeconds != 60 {
		t.Errorf("expected default platform_call_timeout_seconds 60, got %d", p.PlatformCallTimeoutSeconds)
	}
	if p.AccountingCallTimeoutSeconds != 30 {
		t.Errorf("expected default accounting_call_timeout_seconds 30, got %d", p.AccountingCallTimeoutSeconds)
	}
	if p.ConversationPurgeDays != 30 {
		t.Errorf("expected default conversation_purge_days 30, got %d", p.ConversationPurgeDays)
	}
	if p.TypingChunkSize != 5 {
		t.Errorf("expected default typing_chunk_size 5, got %d", p.TypingChunkSize)
	}
	if p.TypingChunkDelayMs != 150 {
		t.Errorf("expected default typing_chunk_delay_ms 150, got %d", p.TypingChunkDelayMs)
	}

	if cfg.SendRate.PerMinute != 20 {
		t.Errorf("expected default send_rate.per_minute 20, got %d", cfg.SendRate.PerMinute)
	}
	if cfg.SendRate.Burst != 5 {
		t.Errorf("expected default send_rate.burst 5, got %d", cfg.SendRate.Burst)
	}

	if cfg.Instances[0].Name != "main" {
		t.Errorf("instance name should default to id: %s", cfg.Instances[0].Name)
	}
}

func TestValidate_CustomValuesNotOverwritten(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Log.Level = "debug"
	cfg.DataDir = "/var/lib/wxauto"
	cfg.Pipeline.PollIntervalSeconds = 10
	cfg.Pipeline.DeliveryWorkers = 8
	cfg.SendRate.PerMinute = 60

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("custom log level overwritten: %s", cfg.Log.Level)
	}
	if cfg.DataDir != "/var/lib/wxauto" {
		t.Errorf("custom data_dir overwritten: %s", cfg.DataDir)
	}
	if cfg.Pipeline.PollIntervalSeconds != 10 {
		t.Errorf("custom poll interval overwritten: %d", cfg.Pipeline.PollIntervalSeconds)
	}
	if cfg.Pipeline.DeliveryWorkers != 8 {
		t.Errorf("custom delivery workers overwritten: %d", cfg.Pipeline.DeliveryWorkers)
	}
	if cfg.SendRate.PerMinute != 60 {
		t.Errorf("custom send rate overwritten: %d", cfg.SendRate.PerMinute)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for bad log level")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error should mention log.level: %v", err)
	}
}

func TestValidate_NoInstances(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when no instance is configured")
	}
	if !strings.Contains(err.Error(), "at least one instance") {
		t.Errorf("error should mention instance requirement: %v", err)
	}
}

func TestValidate_InstanceMissingID(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Instances[0].ID = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing instance id")
	}
	if !strings.Contains(err.Error(), "instances[0].id") {
		t.Errorf("error should mention instances[0].id: %v", err)
	}
}

func TestValidate_DuplicateInstanceID(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Instances = append(cfg.Instances, InstanceConfig{
		ID:      "main",
		BaseURL: "http://127.0.0.1:5001",
	})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate instance id")
	}
	if !strings.Contains(err.Error(), "duplicated") {
		t.Errorf("error should mention duplication: %v", err)
	}
}

func TestValidate_InstanceMissingBaseURL(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Instances[0].BaseURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing base_url")
	}
	if !strings.Contains(err.Error(), "base_url") {
		t.Errorf("error should mention base_url: %v", err)
	}
}

func TestValidate_FixedListenerMissingName(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.FixedListeners = []FixedListenerConfig{{Enabled: true}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing session_name")
	}
	if !strings.Contains(err.Error(), "session_name") {
		t.Errorf("error should mention session_name: %v", err)
	}
}

func TestValidate_RuleDefaultsAndBadRegex(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Rules = []RuleSeed{
		{ID: 1, PlatformID: "p1"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Rules[0].InstanceID != "*" {
		t.Errorf("rule instance_id should default to '*': %s", cfg.Rules[0].InstanceID)
	}
	if cfg.Rules[0].ChatPattern != "*" {
		t.Errorf("rule chat_pattern should default to '*': %s", cfg.Rules[0].ChatPattern)
	}

	cfg.Rules[0].ChatPattern = "regex:[unterminated"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid rule regex")
	}
	if !strings.Contains(err.Error(), "chat_pattern") {
		t.Errorf("error should mention chat_pattern: %v", err)
	}
}

func TestValidate_PlatformSeedMissingType(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.Platforms = []PlatformSeed{{ID: "p1"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing platform type")
	}
	if !strings.Contains(err.Error(), "type") {
		t.Errorf("error should mention type: %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.DataDir = "/srv/wx"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if got := cfg.DatabasePath(); got != filepath.Join("/srv/wx", "wxauto_mgt.db") {
		t.Errorf("database path: %s", got)
	}
	if got := cfg.DownloadsDir(); got != filepath.Join("/srv/wx", "downloads") {
		t.Errorf("downloads dir: %s", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval())
	}
	if cfg.ListenerTimeout() != 30*time.Minute {
		t.Errorf("listener timeout: %v", cfg.ListenerTimeout())
	}
	if cfg.MergeWindow() != 1500*time.Millisecond {
		t.Errorf("merge window: %v", cfg.MergeWindow())
	}
	if cfg.PlatformCallTimeout() != 60*time.Second {
		t.Errorf("platform timeout: %v", cfg.PlatformCallTimeout())
	}
	if cfg.AccountingCallTimeout() != 30*time.Second {
		t.Errorf("accounting timeout: %v", cfg.AccountingCallTimeout())
	}
	if cfg.ConversationPurgeAge() != 30*24*time.Hour {
		t.Errorf("purge age: %v", cfg.ConversationPurgeAge())
	}
	if cfg.TypingChunkDelay() != 150*time.Millisecond {
		t.Errorf("typing chunk delay: %v", cfg.TypingChunkDelay())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	os.WriteFile(path, []byte("{}"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: /tmp/wx-test
instances:
  - id: main
    name: Main WeChat
    base_url: http://127.0.0.1:5000
    api_key: secret
    enabled: true
fixed_listeners:
  - session_name: 文件传输助手
    enabled: true
platforms:
  - id: kw1
    name: keyword bot
    type: keyword
    enabled: true
    config:
      rules:
        - keywords: ["ping"]
          replies: ["pong"]
rules:
  - id: 1
    name: catch-all
    platform_id: kw1
    priority: 10
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load valid config: %v", err)
	}

	if cfg.Instances[0].Name != "Main WeChat" {
		t.Errorf("instance name: %s", cfg.Instances[0].Name)
	}
	if cfg.FixedListeners[0].SessionName != "文件传输助手" {
		t.Errorf("fixed listener: %s", cfg.FixedListeners[0].SessionName)
	}
	if cfg.Platforms[0].Type != "keyword" {
		t.Errorf("platform type: %s", cfg.Platforms[0].Type)
	}
	if cfg.Rules[0].InstanceID != "*" {
		t.Errorf("rule instance default: %s", cfg.Rules[0].InstanceID)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_WX_BASE", "http://10.0.0.2:5000")
	t.Setenv("TEST_WX_KEY", "env_api_key")

	content := `
instances:
  - id: main
    base_url: $TEST_WX_BASE
    api_key: ${TEST_WX_KEY}
    enabled: true
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config with env vars: %v", err)
	}

	if cfg.Instances[0].BaseURL != "http://10.0.0.2:5000" {
		t.Errorf("env var not expanded for base_url: %s", cfg.Instances[0].BaseURL)
	}
	if cfg.Instances[0].APIKey != "env_api_key" {
		t.Errorf("env var not expanded for api_key: %s", cfg.Instances[0].APIKey)
	}
}
