package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Default baseline for the incremental sync cursor: 2026-01-01 00:00 UTC+8.
// Deployments override this with SYNC_BASELINE_TIMESTAMP.
const DefaultBaselineTimestamp = 1767196800

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	WeCom    WeComConfig    `yaml:"wecom"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
	Holiday  HolidayConfig  `yaml:"holiday"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type WeComConfig struct {
	CorpID         string `yaml:"corp_id"`
	Secret         string `yaml:"secret"`
	CallbackToken  string `yaml:"callback_token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
	// APIBase is overridable so tests can point the client at a local server.
	APIBase string `yaml:"api_base"`
}

type SyncConfig struct {
	Interval            string `yaml:"interval"` // cron expression
	AutoSyncEnabled     bool   `yaml:"auto_sync_enabled"`
	StatusCheckInterval string `yaml:"status_check_interval"` // cron expression
	StatusCheckEnabled  bool   `yaml:"status_check_enabled"`
	BaselineTimestamp   int64  `yaml:"baseline_timestamp"`
	CutoffTimestamp     int64  `yaml:"cutoff_timestamp"`
}

type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	LeaveDataFile   string `yaml:"leave_data_file"`
	ActiveIndexFile string `yaml:"active_index_file"`
	SyncCursorFile  string `yaml:"sync_cursor_file"`
}

type HolidayConfig struct {
	APIBase string `yaml:"api_base"`
}

type WebhooksConfig struct {
	URLs []string `yaml:"urls"`
}

// Load builds the effective configuration. An optional YAML file named by
// CONFIG_FILE supplies defaults; environment variables win over both the
// file and the built-in defaults.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "production"},
		WeCom: WeComConfig{
			APIBase: "https://qyapi.weixin.qq.com/cgi-bin",
		},
		Sync: SyncConfig{
			Interval:            "*/5 * * * *",
			AutoSyncEnabled:     true,
			StatusCheckInterval: "*/5 * * * *",
			StatusCheckEnabled:  true,
			BaselineTimestamp:   DefaultBaselineTimestamp,
			CutoffTimestamp:     DefaultBaselineTimestamp,
		},
		Storage: StorageConfig{
			DataDir:         "data",
			LeaveDataFile:   "leave_data.json",
			ActiveIndexFile: "active_approvals.json",
			SyncCursorFile:  "sync_cursor.json",
		},
		Holiday: HolidayConfig{
			APIBase: "https://timor.tech/api/holiday",
		},
	}
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "APP_ENV")

	setString(&cfg.WeCom.CorpID, "WECOM_CORPID")
	setString(&cfg.WeCom.Secret, "WECOM_SECRET")
	setString(&cfg.WeCom.CallbackToken, "WECOM_CALLBACK_TOKEN")
	setString(&cfg.WeCom.EncodingAESKey, "WECOM_CALLBACK_ENCODING_AES_KEY")
	setString(&cfg.WeCom.APIBase, "WECOM_API_BASE")

	setString(&cfg.Sync.Interval, "SYNC_INTERVAL")
	setBool(&cfg.Sync.AutoSyncEnabled, "AUTO_SYNC_ENABLED")
	setString(&cfg.Sync.StatusCheckInterval, "STATUS_CHECK_INTERVAL")
	setBool(&cfg.Sync.StatusCheckEnabled, "STATUS_CHECK_ENABLED")
	setInt64(&cfg.Sync.BaselineTimestamp, "SYNC_BASELINE_TIMESTAMP")
	setInt64(&cfg.Sync.CutoffTimestamp, "ACTIVE_INDEX_CUTOFF")

	setString(&cfg.Storage.DataDir, "DATA_DIR")
	setString(&cfg.Storage.LeaveDataFile, "LEAVE_DATA_FILE")
	setString(&cfg.Storage.ActiveIndexFile, "ACTIVE_INDEX_FILE")
	setString(&cfg.Storage.SyncCursorFile, "SYNC_CURSOR_FILE")

	setString(&cfg.Holiday.APIBase, "HOLIDAY_API_BASE")

	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		cfg.Webhooks.URLs = urls
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside the crypto codec or scheduler.
func (c *Config) Validate() error {
	if c.CallbackConfigured() && len(c.WeCom.EncodingAESKey) != 43 {
		return fmt.Errorf("config: WECOM_CALLBACK_ENCODING_AES_KEY must be 43 characters, got %d", len(c.WeCom.EncodingAESKey))
	}
	if c.Sync.BaselineTimestamp <= 0 {
		return fmt.Errorf("config: SYNC_BASELINE_TIMESTAMP must be positive")
	}
	return nil
}

// CallbackConfigured reports whether push-callback credentials are present.
// The queue-drain ticker only starts when this is true.
func (c *Config) CallbackConfigured() bool {
	return c.WeCom.CallbackToken != "" && c.WeCom.EncodingAESKey != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
