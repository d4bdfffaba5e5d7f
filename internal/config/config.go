// Package config provides configuration loading for recond.
//
// Configuration starts from Default(), is overlaid by an optional YAML file
// and finally by RECOND_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Comparator names as they appear in configuration and rule traces.
const (
	ComparatorExactAmount      = "exact_amount"
	ComparatorAmountTolerance  = "amount_tolerance"
	ComparatorDateWindow       = "date_window"
	ComparatorReferenceOverlap = "reference_overlap"
	ComparatorCounterparty     = "counterparty"
)

// Source kinds that carry a tolerance rule.
const (
	SourceBank        = "bank"
	SourceTaxSales    = "tax_sales"
	SourceTaxPurchase = "tax_purchase"
)

// Heuristic scopes.
const (
	ScopeTenant = "tenant"
	ScopeGlobal = "global"
	ScopeBoth   = "both"
)

// Config holds the complete recond configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Storage    StorageConfig    `koanf:"storage"`
	NATS       NATSConfig       `koanf:"nats"`
	Matching   MatchingConfig   `koanf:"matching"`
	Heuristics HeuristicsConfig `koanf:"heuristics"`
	Reflection ReflectionConfig `koanf:"reflection"`
	RateLimit  RateLimitConfig  `koanf:"ratelimit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	ServiceName  string  `koanf:"service_name"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// StorageConfig holds the SQLite database location.
type StorageConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// NATSConfig holds event bus settings. Disabled means events are dropped.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// ToleranceConfig bounds candidate generation for one external source kind.
// The amount band is max(Absolute, Percent/100 * |amount|).
type ToleranceConfig struct {
	Percent    Amount `koanf:"percent"`
	Absolute   Amount `koanf:"absolute"`
	WindowDays int    `koanf:"window_days"`
}

// MatchingConfig holds scoring and batch settings.
type MatchingConfig struct {
	THigh         float64                    `koanf:"t_high"`
	TMid          float64                    `koanf:"t_mid"`
	PartialCredit float64                    `koanf:"partial_credit"`
	FuzzyTokens   bool                       `koanf:"fuzzy_tokens"`
	Weights       map[string]float64         `koanf:"weights"`
	Tolerances    map[string]ToleranceConfig `koanf:"tolerances"`
	Concurrency   int                        `koanf:"concurrency"`
	BatchTimeout  Duration                   `koanf:"batch_timeout"`
}

// HeuristicsConfig holds learning parameters.
type HeuristicsConfig struct {
	Scope          string  `koanf:"scope"`
	LearningRate   float64 `koanf:"learning_rate"`
	SuccessAlpha   float64 `koanf:"success_alpha"`
	InitialSuccess float64 `koanf:"initial_success"`
	MinWeight      float64 `koanf:"min_weight"`
	MaxWeight      float64 `koanf:"max_weight"`
	MaxDelta       float64 `koanf:"max_delta"`
}

// ReflectionConfig holds scheduling and quality ceilings for reflection.
type ReflectionConfig struct {
	Enabled            bool     `koanf:"enabled"`
	Interval           Duration `koanf:"interval"`
	Window             Duration `koanf:"window"`
	MaxDisputeRate     float64  `koanf:"max_dispute_rate"`
	MaxNearMatchRate   float64  `koanf:"max_near_match_rate"`
	MaxUnmatchedRate   float64  `koanf:"max_unmatched_rate"`
	MinDecisions       int      `koanf:"min_decisions"`
	ThresholdStep      float64  `koanf:"threshold_step"`
	MaxThresholdDelta  float64  `koanf:"max_threshold_delta"`
	WeightStep         float64  `koanf:"weight_step"`
	WeakPatternSuccess float64  `koanf:"weak_pattern_success"`
	WeakPatternUsage   int      `koanf:"weak_pattern_usage"`
	Tenants            []string `koanf:"tenants"`
}

// RateLimitConfig bounds API requests per tenant.
type RateLimitConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			ServiceName:  "recond",
			SamplingRate: 1.0,
		},
		Storage: StorageConfig{
			Path:        "recond.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "recond",
		},
		Matching: MatchingConfig{
			THigh:         0.85,
			TMid:          0.40,
			PartialCredit: 0.5,
			FuzzyTokens:   true,
			Weights:       DefaultWeights(),
			Tolerances: map[string]ToleranceConfig{
				SourceBank:        {Percent: "2", WindowDays: 3},
				SourceTaxSales:    {Absolute: "1.00", WindowDays: 0},
				SourceTaxPurchase: {Absolute: "1.00", WindowDays: 0},
			},
			Concurrency:  8,
			BatchTimeout: Duration(10 * time.Minute),
		},
		Heuristics: HeuristicsConfig{
			Scope:          ScopeTenant,
			LearningRate:   0.1,
			SuccessAlpha:   0.2,
			InitialSuccess: 0.5,
			MinWeight:      0.1,
			MaxWeight:      2.0,
			MaxDelta:       0.2,
		},
		Reflection: ReflectionConfig{
			Enabled:            true,
			Interval:           Duration(7 * 24 * time.Hour),
			Window:             Duration(7 * 24 * time.Hour),
			MaxDisputeRate:     0.10,
			MaxNearMatchRate:   0.30,
			MaxUnmatchedRate:   0.50,
			MinDecisions:       20,
			ThresholdStep:      0.02,
			MaxThresholdDelta:  0.05,
			WeightStep:         0.05,
			WeakPatternSuccess: 0.4,
			WeakPatternUsage:   5,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// DefaultWeights returns the initial weight vector for every comparator.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		ComparatorExactAmount:      1.0,
		ComparatorAmountTolerance:  1.2,
		ComparatorDateWindow:       1.2,
		ComparatorReferenceOverlap: 0.4,
		ComparatorCounterparty:     0.2,
	}
}

// Comparators lists comparator names in evaluation order.
func Comparators() []string {
	return []string{
		ComparatorExactAmount,
		ComparatorAmountTolerance,
		ComparatorDateWindow,
		ComparatorReferenceOverlap,
		ComparatorCounterparty,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if err := c.Heuristics.validate(); err != nil {
		return fmt.Errorf("heuristics: %w", err)
	}
	if err := c.Matching.validate(c.Heuristics); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if err := c.Reflection.validate(); err != nil {
		return fmt.Errorf("reflection: %w", err)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("ratelimit requires positive requests_per_second and burst")
	}
	return nil
}

func (m MatchingConfig) validate(h HeuristicsConfig) error {
	if !(m.TMid > 0 && m.TMid < m.THigh && m.THigh < 1) {
		return fmt.Errorf("thresholds must satisfy 0 < t_mid < t_high < 1, got t_mid=%v t_high=%v", m.TMid, m.THigh)
	}
	if m.PartialCredit < 0 || m.PartialCredit >= 1 {
		return fmt.Errorf("partial_credit must be in [0,1), got %v", m.PartialCredit)
	}
	for _, name := range Comparators() {
		w, ok := m.Weights[name]
		if !ok {
			return fmt.Errorf("weight for %q is missing", name)
		}
		if w < h.MinWeight || w > h.MaxWeight {
			return fmt.Errorf("weight for %q must be in [%v,%v], got %v", name, h.MinWeight, h.MaxWeight, w)
		}
	}
	for name := range m.Weights {
		if !isComparator(name) {
			return fmt.Errorf("unknown comparator %q in weights", name)
		}
	}
	for kind, tol := range m.Tolerances {
		if tol.WindowDays < 0 {
			return fmt.Errorf("tolerance for %q: window_days must be non-negative", kind)
		}
		if err := tol.Percent.nonNegative(); err != nil {
			return fmt.Errorf("tolerance for %q: percent: %w", kind, err)
		}
		if err := tol.Absolute.nonNegative(); err != nil {
			return fmt.Errorf("tolerance for %q: absolute: %w", kind, err)
		}
	}
	if m.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", m.Concurrency)
	}
	if m.BatchTimeout.Duration() <= 0 {
		return errors.New("batch_timeout must be positive")
	}
	return nil
}

func (h HeuristicsConfig) validate() error {
	switch h.Scope {
	case ScopeTenant, ScopeGlobal, ScopeBoth:
	default:
		return fmt.Errorf("scope must be tenant, global or both, got %q", h.Scope)
	}
	if h.LearningRate <= 0 || h.LearningRate > 1 {
		return fmt.Errorf("learning_rate must be in (0,1], got %v", h.LearningRate)
	}
	if h.SuccessAlpha <= 0 || h.SuccessAlpha > 1 {
		return fmt.Errorf("success_alpha must be in (0,1], got %v", h.SuccessAlpha)
	}
	if h.InitialSuccess < 0 || h.InitialSuccess > 1 {
		return fmt.Errorf("initial_success must be in [0,1], got %v", h.InitialSuccess)
	}
	if h.MinWeight <= 0 || h.MinWeight >= h.MaxWeight {
		return fmt.Errorf("weight bounds must satisfy 0 < min_weight < max_weight, got [%v,%v]", h.MinWeight, h.MaxWeight)
	}
	if h.MaxDelta <= 0 {
		return fmt.Errorf("max_delta must be positive, got %v", h.MaxDelta)
	}
	return nil
}

func (r ReflectionConfig) validate() error {
	if r.Enabled && r.Interval.Duration() <= 0 {
		return errors.New("interval must be positive when reflection is enabled")
	}
	if r.Window.Duration() <= 0 {
		return errors.New("window must be positive")
	}
	for name, v := range map[string]float64{
		"max_dispute_rate":     r.MaxDisputeRate,
		"max_near_match_rate":  r.MaxNearMatchRate,
		"max_unmatched_rate":   r.MaxUnmatchedRate,
		"weak_pattern_success": r.WeakPatternSuccess,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if r.ThresholdStep <= 0 || r.ThresholdStep > r.MaxThresholdDelta {
		return fmt.Errorf("threshold_step must be in (0, max_threshold_delta], got %v", r.ThresholdStep)
	}
	if r.WeightStep <= 0 {
		return fmt.Errorf("weight_step must be positive, got %v", r.WeightStep)
	}
	if r.MinDecisions < 1 {
		return fmt.Errorf("min_decisions must be >= 1, got %d", r.MinDecisions)
	}
	return nil
}

func isComparator(name string) bool {
	for _, c := range Comparators() {
		if c == name {
			return true
		}
	}
	return false
}
