package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ProcWolf ProcWolfConfig `yaml:"proc_wolf"`
}

// ProcWolfConfig is the agent configuration.
type ProcWolfConfig struct {
	Monitor  MonitorConfig  `yaml:"monitor"`
	Trust    TrustConfig    `yaml:"trust"`
	Suspect  SuspectConfig  `yaml:"suspect"`
	Rules    RulesConfig    `yaml:"rules"`
	History  HistoryConfig  `yaml:"history"`
	Response ResponseConfig `yaml:"response"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MonitorConfig controls the polling loop.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Workers        int           `yaml:"workers"`
	CollectTimeout time.Duration `yaml:"collect_timeout"`
	HashMaxBytes   int64         `yaml:"hash_max_bytes"`
}

// TrustConfig extends the built-in allow-lists with operator entries.
type TrustConfig struct {
	SystemCritical []string `yaml:"system_critical"`
	TrustedNames   []string `yaml:"trusted_names"`
	TrustedPaths   []string `yaml:"trusted_paths"`
	TrustedSigners []string `yaml:"trusted_signers"`
}

// SuspectConfig tunes the behavioral and lexical suspicion signals.
type SuspectConfig struct {
	NamePatterns  []string `yaml:"name_patterns"`
	Ports         []uint32 `yaml:"ports"`
	CPUPercent    float64  `yaml:"cpu_percent"`
	MemoryPercent float64  `yaml:"memory_percent"`
	OpenFiles     []string `yaml:"open_files"`
}

// RulesConfig controls optional Sigma rule matching.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HistoryConfig selects and configures the history store backend.
type HistoryConfig struct {
	Backend string              `yaml:"backend"` // sqlite|redis
	SQLite  SQLiteHistoryConfig `yaml:"sqlite"`
	Redis   RedisHistoryConfig  `yaml:"redis"`
}

// SQLiteHistoryConfig configures the local database file.
type SQLiteHistoryConfig struct {
	Path string `yaml:"path"`
}

// RedisHistoryConfig configures the fleet-shared Redis backend.
type RedisHistoryConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ResponseConfig controls response execution.
type ResponseConfig struct {
	DryRun        bool          `yaml:"dry_run"`
	KillWait      time.Duration `yaml:"kill_wait"`
	MaxWarnings   int           `yaml:"max_warnings"`
	QuarantineDir string        `yaml:"quarantine_dir"`
}

// EventsConfig controls the action-event sink.
type EventsConfig struct {
	Mode       string                 `yaml:"mode"` // file|http|clickhouse|off
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// FileOutputConfig config for local JSON lines output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
