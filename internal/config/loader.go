package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if HLM_CONFIG is set
//  3. env (prefix HLM_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv("HLM_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
		}
	}

	// Environment variables: HLM_ADDR, HLM_QUEUE_SIZE, ...
	// Map env keys like HLM_QUEUE_SIZE -> queue_size (flat keys, underscores kept
	// to match the koanf tags on the struct).
	envProvider := env.Provider("HLM_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "hlm_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Chains < 1:
		return fmt.Errorf("%w: chains must be >= 1", ErrInvalidConfig)
	case c.Iterations <= c.BurnIn:
		return fmt.Errorf("%w: iterations must exceed burn_in", ErrInvalidConfig)
	case c.BurnIn < 0:
		return fmt.Errorf("%w: burn_in must be >= 0", ErrInvalidConfig)
	case c.WorkerCount < 1:
		return fmt.Errorf("%w: worker_count must be >= 1", ErrInvalidConfig)
	case c.QueueSize < 1:
		return fmt.Errorf("%w: queue_size must be >= 1", ErrInvalidConfig)
	case c.AgreementTol <= 0:
		return fmt.Errorf("%w: agreement_tol must be > 0", ErrInvalidConfig)
	case c.VarianceFloor <= 0:
		return fmt.Errorf("%w: variance_floor must be > 0", ErrInvalidConfig)
	}
	return nil
}
