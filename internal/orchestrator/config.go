package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/candidate"
	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/matching"
)

// Config tunes batch runs.
type Config struct {
	// Concurrency bounds the number of internal records scored at once.
	Concurrency int
	// BatchTimeout bounds a whole run; zero disables the timeout.
	BatchTimeout time.Duration
	Rules        candidate.Rules
	Params       matching.Params
}

// ConfigFromApp builds a Config from application config.
func ConfigFromApp(cfg *config.Config) (Config, error) {
	rules, err := candidate.RulesFromConfig(cfg.Matching.Tolerances)
	if err != nil {
		return Config{}, fmt.Errorf("tolerance rules: %w", err)
	}
	return Config{
		Concurrency:  cfg.Matching.Concurrency,
		BatchTimeout: time.Duration(cfg.Matching.BatchTimeout),
		Rules:        rules,
		Params: matching.Params{
			PartialCredit: cfg.Matching.PartialCredit,
			FuzzyTokens:   cfg.Matching.FuzzyTokens,
		},
	}, nil
}

func (c Config) validate() error {
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	if c.BatchTimeout < 0 {
		return errors.New("batch timeout cannot be negative")
	}
	if len(c.Rules) == 0 {
		return errors.New("at least one tolerance rule is required")
	}
	if c.Params.PartialCredit < 0 || c.Params.PartialCredit > 1 {
		return fmt.Errorf("partial credit must be in [0,1], got %v", c.Params.PartialCredit)
	}
	return nil
}
