package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. STEMDECK_ENGINE_MODE.
const EnvPrefix = "STEMDECK"

// Load resolves configuration from defaults, an optional YAML file, STEMDECK_*
// environment variables and any flags already bound on v.
// When configPath is empty the standard locations are searched and a missing
// file is not an error.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	cfg, err := LoadUnvalidated(v, configPath)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for tools that report problems
// themselves.
func LoadUnvalidated(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, Defaults())

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("stemdeck")
		v.AddConfigPath(".")
		if dir, err := DiscoverConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigDir finds the user config directory.
// Priority order: $STEMDECK_CONFIG_DIR, ~/.config/stemdeck.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("STEMDECK_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "stemdeck"), nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.log_level", d.Service.LogLevel)
	v.SetDefault("service.log_format", d.Service.LogFormat)
	v.SetDefault("service.log_file.path", d.Service.LogFile.Path)
	v.SetDefault("service.log_file.max_size_mb", d.Service.LogFile.MaxSizeMB)
	v.SetDefault("service.log_file.max_backups", d.Service.LogFile.MaxBackups)
	v.SetDefault("service.log_file.max_age_days", d.Service.LogFile.MaxAgeDays)
	v.SetDefault("service.log_file.compress", d.Service.LogFile.Compress)
	v.SetDefault("service.job_log_retention", d.Service.JobLogRetention)

	v.SetDefault("engine.mode", d.Engine.Mode)
	v.SetDefault("engine.runtime", d.Engine.Runtime)
	v.SetDefault("engine.script", d.Engine.Script)
	v.SetDefault("engine.binary", d.Engine.Binary)
	v.SetDefault("engine.checksum", d.Engine.Checksum)
	v.SetDefault("engine.cancel_grace", d.Engine.CancelGrace)
	v.SetDefault("engine.max_output_bytes", d.Engine.MaxOutputBytes)

	v.SetDefault("state.path", d.State.Path)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.api_key", d.API.APIKey)

	v.SetDefault("settings.download_dir", d.Settings.DownloadDir)
}

// Validate checks the fields every command depends on.
func Validate(cfg *Config) error {
	switch cfg.Engine.Mode {
	case EngineModeScript:
		if cfg.Engine.Runtime == "" {
			return fmt.Errorf("engine.runtime is required in script mode")
		}
		if cfg.Engine.Script == "" {
			return fmt.Errorf("engine.script is required in script mode")
		}
	case EngineModeBinary:
		if cfg.Engine.Binary == "" {
			return fmt.Errorf("engine.binary is required in binary mode")
		}
	default:
		return fmt.Errorf("engine.mode must be %q or %q, got %q", EngineModeScript, EngineModeBinary, cfg.Engine.Mode)
	}

	if cfg.Engine.CancelGrace <= 0 {
		return fmt.Errorf("engine.cancel_grace must be positive")
	}
	if cfg.Engine.MaxOutputBytes <= 0 {
		return fmt.Errorf("engine.max_output_bytes must be positive")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.API.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
		}
	}
	return nil
}

// Render returns the configuration as YAML with secrets redacted.
func Render(cfg *Config) ([]byte, error) {
	redacted := *cfg
	if redacted.API.APIKey != "" {
		redacted.API.APIKey = "********"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
