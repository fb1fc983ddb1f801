package riskconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// BlockedPolicy controls how events from an already BLOCKED user are handled.
type BlockedPolicy string

const (
	// BlockedEvaluate scores blocked users' events like any other.
	BlockedEvaluate BlockedPolicy = "evaluate"
	// BlockedReject blocks the event before scoring; only decay applies.
	BlockedReject BlockedPolicy = "reject"
)

// CoefficientPolicy controls how the resolver's summed coefficient is bounded.
type CoefficientPolicy string

const (
	CoefficientSum    CoefficientPolicy = "sum"
	CoefficientCapped CoefficientPolicy = "capped"
)

// RiskConfig holds the live tuning parameters of the scoring engine.
// Values are copied, never mutated in place, once installed in a Store.
type RiskConfig struct {
	// DecayRate is the number of score units removed per elapsed second.
	DecayRate            float64 `yaml:"decay_rate" json:"decayRate"`
	ObservationThreshold float64 `yaml:"observation_threshold" json:"observationThreshold"`
	BlockThreshold       float64 `yaml:"block_threshold" json:"blockThreshold"`
	// WindowTTL is the freshness horizon of recent-activity features, in seconds.
	WindowTTL int64   `yaml:"window_ttl" json:"windowTtl"`
	MLWeight  float64 `yaml:"ml_weight" json:"mlWeight"`
	ModelPath string  `yaml:"model_path" json:"modelPath"`

	BlockedPolicy     BlockedPolicy     `yaml:"blocked_policy" json:"blockedPolicy"`
	CoefficientPolicy CoefficientPolicy `yaml:"coefficient_policy" json:"coefficientPolicy"`
	CoefficientCap    float64           `yaml:"coefficient_cap" json:"coefficientCap"`
}

// DefaultConfig returns the built-in tuning used when no file or stored
// configuration exists.
func DefaultConfig() RiskConfig {
	return RiskConfig{
		DecayRate:            0.1,
		ObservationThreshold: 60,
		BlockThreshold:       90,
		WindowTTL:            3600,
		MLWeight:             0.3,
		BlockedPolicy:        BlockedEvaluate,
		CoefficientPolicy:    CoefficientSum,
	}
}

// Window returns WindowTTL as a duration.
func (c RiskConfig) Window() time.Duration {
	return time.Duration(c.WindowTTL) * time.Second
}

// RejectsBlocked reports whether events from BLOCKED users skip scoring.
func (c RiskConfig) RejectsBlocked() bool {
	return c.BlockedPolicy == BlockedReject
}

// BoundCoefficient applies the configured coefficient policy to a summed coefficient.
func (c RiskConfig) BoundCoefficient(sum float64) float64 {
	if c.CoefficientPolicy == CoefficientCapped && c.CoefficientCap > 0 && sum > c.CoefficientCap {
		return c.CoefficientCap
	}
	return sum
}

// withPolicyDefaults fills empty policy fields so older stored configs stay valid.
func (c RiskConfig) withPolicyDefaults() RiskConfig {
	if c.BlockedPolicy == "" {
		c.BlockedPolicy = BlockedEvaluate
	}
	if c.CoefficientPolicy == "" {
		c.CoefficientPolicy = CoefficientSum
	}
	return c
}

// ValidationError describes the first field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid risk config: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is match model.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == model.ErrValidation
}

// Validate checks every invariant of a candidate configuration.
func (c RiskConfig) Validate() error {
	numbers := []struct {
		field string
		v     float64
	}{
		{"decayRate", c.DecayRate},
		{"observationThreshold", c.ObservationThreshold},
		{"blockThreshold", c.BlockThreshold},
		{"mlWeight", c.MLWeight},
		{"coefficientCap", c.CoefficientCap},
	}
	for _, n := range numbers {
		if math.IsNaN(n.v) || math.IsInf(n.v, 0) {
			return &ValidationError{Field: n.field, Reason: "must be a finite number"}
		}
	}

	switch {
	case c.DecayRate < 0:
		return &ValidationError{Field: "decayRate", Reason: "must be >= 0"}
	case c.ObservationThreshold <= 0:
		return &ValidationError{Field: "observationThreshold", Reason: "must be > 0"}
	case c.BlockThreshold <= c.ObservationThreshold:
		return &ValidationError{
			Field:  "blockThreshold",
			Reason: fmt.Sprintf("must be greater than observationThreshold (%g <= %g)", c.BlockThreshold, c.ObservationThreshold),
		}
	case c.WindowTTL <= 0:
		return &ValidationError{Field: "windowTtl", Reason: "must be > 0 seconds"}
	case c.MLWeight < 0 || c.MLWeight > 1:
		return &ValidationError{Field: "mlWeight", Reason: "must be within [0, 1]"}
	}

	switch c.BlockedPolicy {
	case "", BlockedEvaluate, BlockedReject:
	default:
		return &ValidationError{Field: "blockedPolicy", Reason: fmt.Sprintf("unknown policy %q", c.BlockedPolicy)}
	}

	switch c.CoefficientPolicy {
	case "", CoefficientSum:
	case CoefficientCapped:
		if c.CoefficientCap <= 0 {
			return &ValidationError{Field: "coefficientCap", Reason: "must be > 0 when coefficientPolicy is capped"}
		}
	default:
		return &ValidationError{Field: "coefficientPolicy", Reason: fmt.Sprintf("unknown policy %q", c.CoefficientPolicy)}
	}
	return nil
}

// LoadConfig reads a YAML risk config. Fields missing from the file keep
// their default values. A missing file yields the defaults.
func LoadConfig(path string) (RiskConfig, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash is LoadConfig plus the "sha256:<hex>" hash of the raw file.
func LoadConfigWithHash(path string) (RiskConfig, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || path == "" {
			return DefaultConfig(), hashBytes(nil), nil
		}
		return RiskConfig{}, "", fmt.Errorf("failed to read risk config: %w", err)
	}

	cfg, err := ParseYAML(data)
	if err != nil {
		return RiskConfig{}, "", err
	}
	return cfg, hashBytes(data), nil
}

// ParseYAML decodes YAML over the defaults and validates the result.
func ParseYAML(data []byte) (RiskConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RiskConfig{}, fmt.Errorf("failed to parse risk config: %w", err)
	}
	cfg = cfg.withPolicyDefaults()
	if err := cfg.Validate(); err != nil {
		return RiskConfig{}, err
	}
	return cfg, nil
}

// MergeJSON overlays the fields present in a JSON document onto base.
// The result is not validated.
func MergeJSON(base RiskConfig, data []byte) (RiskConfig, error) {
	merged := base
	if err := json.Unmarshal(data, &merged); err != nil {
		return RiskConfig{}, fmt.Errorf("failed to parse risk config update: %w", err)
	}
	return merged.withPolicyDefaults(), nil
}

// MarshalYAML renders the config in the file format read by LoadConfig.
func MarshalYAML(cfg RiskConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented config file matching DefaultConfig.
func DefaultConfigYAML() string {
	return `# DeepAudit risk configuration
# Generated by: deepaudit config init
#
# score(now) = max(0, score(prev) - decay_rate * seconds_elapsed) + blended
# blended    = rule_score * (1 - ml_weight) + ml_score * ml_weight
# rule_score = sum(table coefficients) * query_type_weight
#
# Levels:
#   score <  observation_threshold          -> NORMAL
#   score >= observation_threshold, < block -> OBSERVATION
#   score >= block_threshold                -> BLOCKED (event action BLOCK)

# Score units removed per second without new events.
decay_rate: 0.1

# Level boundaries. block_threshold must be greater than observation_threshold.
observation_threshold: 60
block_threshold: 90

# Seconds of history used for recent-activity ML features.
window_ttl: 3600

# Share of the ML anomaly score in each event's contribution, 0..1.
ml_weight: 0.3

# Inference artifact passed to the scorer. Empty disables ML scoring.
model_path: ""

# evaluate: blocked users are still scored (decay can unblock them)
# reject:   events from blocked users are blocked before scoring
blocked_policy: evaluate

# sum:    coefficients of all touched tables are added
# capped: the sum is clamped to coefficient_cap
coefficient_policy: sum
coefficient_cap: 0
`
}
