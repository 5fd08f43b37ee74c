package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Engine modes. The mode is fixed for the lifetime of the process.
const (
	EngineModeScript = "script"
	EngineModeBinary = "binary"
)

// Config represents the complete stemdeck configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service" mapstructure:"service"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	State    StateConfig    `yaml:"state" mapstructure:"state"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Settings SettingsConfig `yaml:"settings" mapstructure:"settings"`
}

// ServiceConfig defines logging and housekeeping settings.
type ServiceConfig struct {
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`
	LogFormat       string        `yaml:"log_format" mapstructure:"log_format"`
	LogFile         LogFileConfig `yaml:"log_file" mapstructure:"log_file"`
	JobLogRetention time.Duration `yaml:"job_log_retention" mapstructure:"job_log_retention"`
}

// LogFileConfig enables a rotating log file. An empty Path logs to stderr.
type LogFileConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// EngineConfig describes how to launch the external audio engine.
type EngineConfig struct {
	// Mode is "script" (runtime + entry script) or "binary" (bundled executable).
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Runtime string `yaml:"runtime" mapstructure:"runtime"`
	Script  string `yaml:"script" mapstructure:"script"`
	Binary  string `yaml:"binary" mapstructure:"binary"`

	// Checksum is an optional BLAKE3 hex digest of the script or binary.
	Checksum string `yaml:"checksum,omitempty" mapstructure:"checksum"`

	// CancelGrace is how long a cancelled job gets after SIGTERM before SIGKILL.
	CancelGrace    time.Duration `yaml:"cancel_grace" mapstructure:"cancel_grace"`
	MaxOutputBytes int           `yaml:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// Executable returns the file that the checksum applies to for the configured mode.
func (e EngineConfig) Executable() string {
	if e.Mode == EngineModeScript {
		return e.Script
	}
	return e.Binary
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LockPath returns the single-instance lock file next to the database.
func (s StateConfig) LockPath() string {
	return filepath.Join(filepath.Dir(s.Path), "stemdeck.lock")
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// APIKey, when set, is required as a bearer token on every /v1 route.
	APIKey string `yaml:"api_key,omitempty" mapstructure:"api_key"`
}

// SettingsConfig holds fallbacks used when the engine cannot answer.
type SettingsConfig struct {
	DownloadDir string `yaml:"download_dir" mapstructure:"download_dir"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LogFile: LogFileConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
			JobLogRetention: 30 * 24 * time.Hour,
		},
		Engine: EngineConfig{
			Mode:           EngineModeScript,
			Runtime:        defaultRuntime(),
			Script:         filepath.Join("python", "engine.py"),
			Binary:         filepath.Join("python", "engine"+exeSuffix()),
			CancelGrace:    3 * time.Second,
			MaxOutputBytes: 1 << 20,
		},
		State: StateConfig{
			Path: "./data/stemdeck.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
		Settings: SettingsConfig{
			DownloadDir: defaultDownloadDir(),
		},
	}
}

func defaultRuntime() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Downloads"
	}
	return filepath.Join(home, "Downloads")
}
