package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps performed:
//  1. Read drover.yaml and providers.yaml from configDir
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into section structs
//  4. Merge user values over built-in defaults
//  5. Validate every section
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"workers", stats.Workers,
		"gated_actions", stats.GatedActions,
		"replay_ring", stats.ReplayRingSize)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var main droverYAML
	if err := loadYAMLFile(filepath.Join(configDir, "drover.yaml"), &main); err != nil {
		return nil, NewLoadError("drover.yaml", err)
	}

	var provs providersYAML
	if err := loadYAMLFile(filepath.Join(configDir, "providers.yaml"), &provs); err != nil {
		return nil, NewLoadError("providers.yaml", err)
	}

	cfg := &Config{
		Scheduler: DefaultSchedulerConfig(),
		Stream:    DefaultStreamConfig(),
		Lifecycle: DefaultLifecycleConfig(),
		Approval:  DefaultApprovalConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Buffer:    DefaultBufferConfig(),
		Retention: DefaultRetentionConfig(),
		Server:    DefaultServerConfig(),
		Providers: mergeProviders(DefaultProviders(), provs.Providers),
	}

	// User values override built-in defaults section by section.
	sections := []struct {
		name string
		dst  any
		src  any
		skip bool
	}{
		{"scheduler", cfg.Scheduler, main.Scheduler, main.Scheduler == nil},
		{"stream", cfg.Stream, main.Stream, main.Stream == nil},
		{"lifecycle", cfg.Lifecycle, main.Lifecycle, main.Lifecycle == nil},
		{"approval", cfg.Approval, main.Approval, main.Approval == nil},
		{"dispatch", cfg.Dispatch, main.Dispatch, main.Dispatch == nil},
		{"buffer", cfg.Buffer, main.Buffer, main.Buffer == nil},
		{"retention", cfg.Retention, main.Retention, main.Retention == nil},
		{"server", cfg.Server, main.Server, main.Server == nil},
	}
	for _, s := range sections {
		if s.skip {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}

// loadYAMLFile reads, env-expands, and parses one YAML file into out.
// A missing file is not an error: every section has built-in defaults.
func loadYAMLFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("Config file not present, using defaults", "path", path)
			return nil
		}
		return err
	}

	expanded := ExpandEnv(data)
	if err := yaml.Unmarshal(expanded, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return nil
}

func validate(cfg *Config) error {
	if err := validateScheduler(cfg.Scheduler); err != nil {
		return err
	}
	if err := validateSections(cfg); err != nil {
		return err
	}
	return validateProviders(cfg.Providers)
}
