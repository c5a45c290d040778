// Package config holds the recognized configuration options (spec §6),
// grounded on the teacher's internal/config/config.go: hardcoded defaults,
// an optional YAML overlay, then CODEPOD_*-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codepod-dev/codepod-go/internal/model"
)

type OutputStrategy string

const (
	Head        OutputStrategy = "head"
	Tail        OutputStrategy = "tail"
	HeadAndTail OutputStrategy = "head_and_tail"
)

type OutputOptions struct {
	MaxOutputBytes    int            `yaml:"max_output_bytes"`
	Strategy          OutputStrategy `yaml:"strategy"`
	TruncationMessage string         `yaml:"truncation_message"`
}

type Config struct {
	Image                 string               `yaml:"image"`
	Workdir               string               `yaml:"workdir"`
	LabelPrefix           string               `yaml:"label_prefix"`
	PrewarmCount          int                  `yaml:"prewarm_count"`
	MaxContainers         int                  `yaml:"max_containers"`
	SessionTimeoutSeconds int                  `yaml:"session_timeout_seconds"`
	DefaultResourceLimits model.ResourceLimits `yaml:"default_resource_limits"`
	MaxResourceLimits     model.ResourceLimits `yaml:"max_resource_limits"`
	DefaultNetworkMode    model.NetworkMode    `yaml:"default_network_mode"`
	OutputOptions         OutputOptions        `yaml:"output_options"`
	WindowsContainer      bool                 `yaml:"windows_container"`
	DBPath                string               `yaml:"db_path"`
	// MaxExecTimeoutSeconds is the default ceiling ExecCommand applies when
	// the caller doesn't supply one (spec §4.7).
	MaxExecTimeoutSeconds int `yaml:"max_exec_timeout_seconds"`
}

// KeepaliveCmd returns the long-running no-op argv used to keep a container
// alive, derived from WindowsContainer per spec §6.
func (c Config) KeepaliveCmd() []string {
	if c.WindowsContainer {
		return []string{"powershell", "-NoExit", "-Command", "Start-Sleep -Seconds 2147483"}
	}
	return []string{"sleep", "infinity"}
}

// Validate checks the invariants spec §6 requires of default/max limits.
func (c Config) Validate() error {
	if !c.DefaultResourceLimits.Positive() {
		return &model.ValidationError{Field: "default_resource_limits", Reason: "all fields must be positive"}
	}
	if !c.MaxResourceLimits.Positive() {
		return &model.ValidationError{Field: "max_resource_limits", Reason: "all fields must be positive"}
	}
	if !c.DefaultResourceLimits.Within(c.MaxResourceLimits) {
		return &model.ValidationError{Field: "default_resource_limits", Reason: "must not exceed max_resource_limits"}
	}
	if c.MaxContainers < 1 {
		return &model.ValidationError{Field: "max_containers", Reason: "must be >= 1"}
	}
	if c.PrewarmCount < 0 {
		return &model.ValidationError{Field: "prewarm_count", Reason: "must be >= 0"}
	}
	if c.SessionTimeoutSeconds <= 0 {
		return &model.ValidationError{Field: "session_timeout_seconds", Reason: "must be > 0"}
	}
	if c.OutputOptions.MaxOutputBytes <= 0 {
		return &model.ValidationError{Field: "output_options.max_output_bytes", Reason: "must be > 0"}
	}
	if !strings.Contains(c.OutputOptions.TruncationMessage, "{0}") {
		return &model.ValidationError{Field: "output_options.truncation_message", Reason: `must contain "{0}"`}
	}
	return nil
}

// Load builds a Config from hardcoded defaults, an optional YAML overlay at
// yamlPath, then environment overrides. yamlPath == "" skips the overlay.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Image:                 "codepod/runtime:base",
		Workdir:               "/workspace",
		LabelPrefix:           "codepod",
		PrewarmCount:          1,
		MaxContainers:         10,
		SessionTimeoutSeconds: 1800,
		DefaultResourceLimits: model.ResourceLimits{
			MemoryBytes:  512 * 1024 * 1024,
			CPUCores:     1.0,
			MaxProcesses: 256,
		},
		MaxResourceLimits: model.ResourceLimits{
			MemoryBytes:  2048 * 1024 * 1024,
			CPUCores:     4.0,
			MaxProcesses: 1024,
		},
		DefaultNetworkMode: model.NetworkNone,
		OutputOptions: OutputOptions{
			MaxOutputBytes:    1024 * 1024,
			Strategy:          HeadAndTail,
			TruncationMessage: "\n... [{0} bytes omitted] ...\n",
		},
		DBPath:                "./codepod.db",
		MaxExecTimeoutSeconds: 120,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config yaml: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config yaml: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODEPOD_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("CODEPOD_WORKDIR"); v != "" {
		cfg.Workdir = v
	}
	if v := os.Getenv("CODEPOD_LABEL_PREFIX"); v != "" {
		cfg.LabelPrefix = v
	}
	if v := os.Getenv("CODEPOD_PREWARM_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PrewarmCount = n
		}
	}
	if v := os.Getenv("CODEPOD_MAX_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContainers = n
		}
	}
	if v := os.Getenv("CODEPOD_SESSION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CODEPOD_DEFAULT_NETWORK_MODE"); v != "" {
		cfg.DefaultNetworkMode = model.NetworkMode(v)
	}
	if v := os.Getenv("CODEPOD_WINDOWS_CONTAINER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WindowsContainer = b
		}
	}
	if v := os.Getenv("CODEPOD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
}
