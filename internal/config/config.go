package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel          = "info"
	defaultOutputEncoding    = "utf-8"
	defaultStartTimeout      = 2 * time.Minute
	defaultInterruptGrace    = 9 * time.Second
	defaultTerminateGrace    = 3 * time.Second
	defaultCallbackWarnAfter = 250 * time.Millisecond
	defaultQuality           = "m"
	defaultProfileType       = "X"
	defaultInstallScope      = "u"
	defaultChartPatches      = 115
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ToolDir             string
	ReferenceDir        string
	WorkspaceRoot       string
	LogLevel            string
	OutputEncoding      string
	StartTimeout        time.Duration
	InterruptGrace      time.Duration
	TerminateGrace      time.Duration
	CallbackWarnAfter   time.Duration
	SudoPreserveEnv     bool
	CredentialFreshness time.Duration
	OTELEndpoint        string
	Options             Options
}

type fileConfig struct {
	ToolDir             *string     `toml:"tool_dir"`
	ReferenceDir        *string     `toml:"reference_dir"`
	WorkspaceRoot       *string     `toml:"workspace_root"`
	LogLevel            *string     `toml:"log_level"`
	OutputEncoding      *string     `toml:"output_encoding"`
	StartTimeout        *string     `toml:"start_timeout"`
	InterruptGrace      *string     `toml:"interrupt_grace"`
	TerminateGrace      *string     `toml:"terminate_grace"`
	CallbackWarnAfter   *string     `toml:"callback_warn_after"`
	SudoPreserveEnv     *bool       `toml:"sudo_preserve_env"`
	CredentialFreshness *string     `toml:"credential_freshness"`
	OTEL                *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type optionsFile struct {
	Options *Options `toml:"options"`
}

// Load reads config from ~/.calrun/config.toml and overlays a project-local .calrun/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".calrun", "config.toml"),
		filepath.Join(workingDir, ".calrun", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("validate options: %w", err)
	}

	_ = ctx
	return &cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		LogLevel:          defaultLogLevel,
		OutputEncoding:    defaultOutputEncoding,
		StartTimeout:      defaultStartTimeout,
		InterruptGrace:    defaultInterruptGrace,
		TerminateGrace:    defaultTerminateGrace,
		CallbackWarnAfter: defaultCallbackWarnAfter,
		Options:           DefaultOptions(),
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	options := optionsFile{Options: &cfg.Options}
	if _, err := toml.DecodeFile(path, &options); err != nil {
		return fmt.Errorf("decode options in %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ToolDir != nil {
		cfg.ToolDir = strings.TrimSpace(*decoded.ToolDir)
	}
	if decoded.ReferenceDir != nil {
		cfg.ReferenceDir = strings.TrimSpace(*decoded.ReferenceDir)
	}
	if decoded.WorkspaceRoot != nil {
		cfg.WorkspaceRoot = strings.TrimSpace(*decoded.WorkspaceRoot)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.OutputEncoding != nil {
		cfg.OutputEncoding = normalizeKey(*decoded.OutputEncoding)
	}
	if decoded.SudoPreserveEnv != nil {
		cfg.SudoPreserveEnv = *decoded.SudoPreserveEnv
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"start_timeout", decoded.StartTimeout, &cfg.StartTimeout},
		{"interrupt_grace", decoded.InterruptGrace, &cfg.InterruptGrace},
		{"terminate_grace", decoded.TerminateGrace, &cfg.TerminateGrace},
		{"callback_warn_after", decoded.CallbackWarnAfter, &cfg.CallbackWarnAfter},
		{"credential_freshness", decoded.CredentialFreshness, &cfg.CredentialFreshness},
	}
	for _, override := range overrides {
		if override.value == nil {
			continue
		}
		value, err := parseDuration(*override.value, override.key, path)
		if err != nil {
			return err
		}
		if value < 0 {
			return fmt.Errorf("parse %s in %q: must not be negative", override.key, path)
		}
		*override.target = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
