package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// memoryDB selects the in-memory store instead of a libSQL file.
const memoryDB = ":memory:"

// Config holds all nodeflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	LogFormat       string   `json:"log_format"`
	PoolSize        int      `json:"pool_size"`
	MetricsAddr     string   `json:"metrics_addr"`
	TraceFlushDelay duration `json:"trace_flush_delay"`
	TraceStaleAfter duration `json:"trace_stale_after"`
	OpenAIBaseURL   string   `json:"openai_base_url"`
	OpenAIModel     string   `json:"openai_model"`
	OpenAIAPIKey    string   `json:"openai_api_key"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(nodeflowDir(), "nodeflow.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		PoolSize:        4,
		TraceFlushDelay: duration(100 * time.Millisecond),
		TraceStaleAfter: duration(5 * time.Minute),
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

// loadConfig layers the settings file at path and the environment read
// through getenv over the defaults. A missing settings file is not an error.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := getenv("NODEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("NODEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("NODEFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("NODEFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("NODEFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("NODEFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("NODEFLOW_TRACE_FLUSH_DELAY"); v != "" {
		if err := cfg.TraceFlushDelay.Set(v); err != nil {
			return cfg, fmt.Errorf("NODEFLOW_TRACE_FLUSH_DELAY: %w", err)
		}
	}
	if v := getenv("NODEFLOW_TRACE_STALE_AFTER"); v != "" {
		if err := cfg.TraceStaleAfter.Set(v); err != nil {
			return cfg, fmt.Errorf("NODEFLOW_TRACE_STALE_AFTER: %w", err)
		}
	}
	if v := getenv("NODEFLOW_OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := getenv("NODEFLOW_OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := getenv("NODEFLOW_OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	} else if v := getenv("OPENAI_API_KEY"); v != "" && cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = v
	}
	return cfg, nil
}

// registerConfigFlags binds the persistent flags that override Config.
func registerConfigFlags(cmd *cobra.Command, f *Config) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.DBPath, "db", "", `database path, or ":memory:" (default ~/.nodeflow/nodeflow.db)`)
	pf.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.LogFormat, "log-format", "", "log format: text or json")
	pf.IntVar(&f.PoolSize, "pool-size", 0, "concurrent background executions")
	pf.StringVar(&f.MetricsAddr, "metrics-addr", "", "listen address of the /metrics endpoint (serve only)")
	pf.Var(&f.TraceFlushDelay, "trace-flush-delay", "debounce delay of trace writes")
	pf.StringVar(&f.OpenAIModel, "openai-model", "", "model used by agent nodes")
}

// applyFlags copies the flags set on the command line over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config, f Config) {
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath = f.DBPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = f.LogFormat
	}
	if flags.Changed("pool-size") {
		cfg.PoolSize = f.PoolSize
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if flags.Changed("trace-flush-delay") {
		cfg.TraceFlushDelay = f.TraceFlushDelay
	}
	if flags.Changed("openai-model") {
		cfg.OpenAIModel = f.OpenAIModel
	}
}

// duration is a time.Duration written as "250ms" in settings.json and on
// the command line.
type duration time.Duration

func (d duration) String() string { return time.Duration(d).String() }

func (d *duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Type() string { return "duration" }

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"250ms\": %w", err)
	}
	return d.Set(s)
}
