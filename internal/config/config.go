// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then .env files and DLFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dlflow/internal/domain"
	"dlflow/internal/params"
	"dlflow/internal/ytdlp"
)

const (
	defaultListenAddr     = ":8080"
	defaultMaxConcurrent  = 1
	defaultStateFileName  = "tasks_history.json"
	defaultHistoryDBName  = "dlflow.db"
	defaultExecutableName = "yt-dlp"
)

type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	DataDir        string        `yaml:"data_dir"`
	StateFile      string        `yaml:"state_file"`
	HistoryDB      string        `yaml:"history_db"`
	YtdlpPath      string        `yaml:"ytdlp_path"`
	MaxConcurrent  int           `yaml:"max_concurrent"` // 0 = unlimited
	TickInterval   time.Duration `yaml:"tick_interval"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	HookTimeout    time.Duration `yaml:"hook_timeout"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	ScheduleCheck  time.Duration `yaml:"schedule_check"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
	OutputTemplate string        `yaml:"output_template"`
	WebhookURL     string        `yaml:"webhook_url"`
	Debug          bool          `yaml:"debug"`
	Log            LogConfig     `yaml:"log"`
	Defaults       domain.Params `yaml:"defaults"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		ListenAddr:     defaultListenAddr,
		DataDir:        filepath.Join(home, ".dlflow"),
		MaxConcurrent:  defaultMaxConcurrent,
		TickInterval:   time.Second,
		StopGrace:      5 * time.Second,
		WaitTimeout:    5 * time.Minute,
		HookTimeout:    2 * time.Minute,
		ResolveTimeout: 60 * time.Second,
		ScheduleCheck:  30 * time.Second,
		ShutdownWait:   15 * time.Second,
		OutputTemplate: ytdlp.DefaultOutputTemplate,
		Log:            LogConfig{Level: "info", Format: "console"},
		Defaults: domain.Params{
			OutputDir:     filepath.Join(home, "Downloads"),
			Conversion:    domain.ConversionNone,
			QualityPreset: domain.DefaultQualityPreset,
			AudioQuality:  domain.DefaultAudioQuality,
		},
	}
}

// Load builds the configuration. An empty path or a missing file leaves the
// defaults in place; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	overrideFromEnv(&cfg)
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// loadEnvFiles reads .env.local then .env; variables already set win.
func loadEnvFiles() error {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("DLFLOW_LISTEN_ADDR", &cfg.ListenAddr)
	setString("DLFLOW_DATA_DIR", &cfg.DataDir)
	setString("DLFLOW_STATE_FILE", &cfg.StateFile)
	setString("DLFLOW_HISTORY_DB", &cfg.HistoryDB)
	setString("DLFLOW_YTDLP_PATH", &cfg.YtdlpPath)
	setString("DLFLOW_OUTPUT_TEMPLATE", &cfg.OutputTemplate)
	setString("DLFLOW_WEBHOOK_URL", &cfg.WebhookURL)
	setString("DLFLOW_LOG_LEVEL", &cfg.Log.Level)
	setString("DLFLOW_LOG_FORMAT", &cfg.Log.Format)
	setString("DLFLOW_OUTPUT_DIR", &cfg.Defaults.OutputDir)
	setString("DLFLOW_COOKIES_BROWSER", &cfg.Defaults.CookiesBrowser)
	setString("DLFLOW_COOKIES_FILE", &cfg.Defaults.CookiesFile)
	setDuration("DLFLOW_TICK_INTERVAL", &cfg.TickInterval)
	setDuration("DLFLOW_STOP_GRACE", &cfg.StopGrace)
	setDuration("DLFLOW_WAIT_TIMEOUT", &cfg.WaitTimeout)
	setDuration("DLFLOW_HOOK_TIMEOUT", &cfg.HookTimeout)
	setDuration("DLFLOW_RESOLVE_TIMEOUT", &cfg.ResolveTimeout)

	if v := os.Getenv("DLFLOW_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("DLFLOW_DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}
}

// fillPaths derives the state and history locations from the data dir when
// they are not set explicitly.
func (c *Config) fillPaths() {
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.DataDir, defaultStateFileName)
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.DataDir, defaultHistoryDBName)
	}
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.MaxConcurrent < 0 {
		return errors.New("max_concurrent must be zero (unlimited) or positive")
	}
	for name, d := range map[string]time.Duration{
		"tick_interval":   c.TickInterval,
		"stop_grace":      c.StopGrace,
		"wait_timeout":    c.WaitTimeout,
		"hook_timeout":    c.HookTimeout,
		"resolve_timeout": c.ResolveTimeout,
		"schedule_check":  c.ScheduleCheck,
		"shutdown_wait":   c.ShutdownWait,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Defaults.LimitRate != "" && !ytdlp.ValidRateLimit(c.Defaults.LimitRate) {
		return fmt.Errorf("defaults.limit_rate %q is not a valid rate", c.Defaults.LimitRate)
	}
	if _, err := ytdlp.SplitArgs(c.Defaults.ExtraArgs); err != nil {
		return fmt.Errorf("defaults.extra_args: %w", err)
	}
	norm, err := params.Normalize(c.Defaults)
	if err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	c.Defaults = norm
	return nil
}

// ResolveExecutable returns the external tool location: the configured path
// when set, otherwise whatever yt-dlp is found on PATH.
func (c *Config) ResolveExecutable() (string, error) {
	if c.YtdlpPath != "" {
		fi, err := os.Stat(c.YtdlpPath)
		if err != nil {
			return "", fmt.Errorf("ytdlp_path: %w", err)
		}
		if fi.IsDir() {
			return "", fmt.Errorf("ytdlp_path %s is a directory", c.YtdlpPath)
		}
		return c.YtdlpPath, nil
	}
	p, err := exec.LookPath(defaultExecutableName)
	if err != nil {
		return "", fmt.Errorf("%s not found on PATH: %w", defaultExecutableName, err)
	}
	return p, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}
