package riskconfig

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DecayRate != 0.1 {
		t.Errorf("expected DecayRate=0.1, got %g", cfg.DecayRate)
	}
	if cfg.ObservationThreshold != 60 {
		t.Errorf("expected ObservationThreshold=60, got %g", cfg.ObservationThreshold)
	}
	if cfg.BlockThreshold != 90 {
		t.Errorf("expected BlockThreshold=90, got %g", cfg.BlockThreshold)
	}
	if cfg.WindowTTL != 3600 {
		t.Errorf("expected WindowTTL=3600, got %d", cfg.WindowTTL)
	}
	if cfg.BlockedPolicy != BlockedEvaluate {
		t.Errorf("expected evaluate policy, got %s", cfg.BlockedPolicy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*RiskConfig)
		field string
	}{
		{"inverted thresholds", func(c *RiskConfig) { c.BlockThreshold, c.ObservationThreshold = 30, 40 }, "blockThreshold"},
		{"equal thresholds", func(c *RiskConfig) { c.BlockThreshold = c.ObservationThreshold }, "blockThreshold"},
		{"zero observation", func(c *RiskConfig) { c.ObservationThreshold = 0 }, "observationThreshold"},
		{"negative decay", func(c *RiskConfig) { c.DecayRate = -0.1 }, "decayRate"},
		{"zero window", func(c *RiskConfig) { c.WindowTTL = 0 }, "windowTtl"},
		{"ml weight above one", func(c *RiskConfig) { c.MLWeight = 1.01 }, "mlWeight"},
		{"ml weight negative", func(c *RiskConfig) { c.MLWeight = -0.5 }, "mlWeight"},
		{"unknown blocked policy", func(c *RiskConfig) { c.BlockedPolicy = "ignore" }, "blockedPolicy"},
		{"capped without cap", func(c *RiskConfig) { c.CoefficientPolicy = CoefficientCapped }, "coefficientCap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected field %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateReportsFirstNonFiniteField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MLWeight = math.NaN()
	cfg.DecayRate = math.Inf(1)
	cfg.CoefficientCap = math.NaN()

	for i := 0; i < 20; i++ {
		var verr *ValidationError
		if !errors.As(cfg.Validate(), &verr) {
			t.Fatal("expected ValidationError")
		}
		if verr.Field != "decayRate" {
			t.Fatalf("run %d: expected decayRate, got %s", i, verr.Field)
		}
	}
}

func TestValidateAcceptsBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MLWeight = 0
	cfg.DecayRate = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("mlWeight=0 decayRate=0 must validate: %v", err)
	}
	cfg.MLWeight = 1
	if err := cfg.Validate(); err != nil {
		t.Errorf("mlWeight=1 must validate: %v", err)
	}
}

func TestBoundCoefficient(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.BoundCoefficient(12.5); got != 12.5 {
		t.Errorf("sum policy must not bound, got %g", got)
	}
	cfg.CoefficientPolicy = CoefficientCapped
	cfg.CoefficientCap = 5
	if got := cfg.BoundCoefficient(12.5); got != 5 {
		t.Errorf("expected cap 5, got %g", got)
	}
	if got := cfg.BoundCoefficient(2); got != 2 {
		t.Errorf("expected 2 below cap, got %g", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/risk.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	data := "block_threshold: 120\nml_weight: 0.5\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BlockThreshold != 120 || cfg.MLWeight != 0.5 {
		t.Errorf("expected overridden fields, got %+v", cfg)
	}
	if cfg.ObservationThreshold != 60 {
		t.Errorf("expected default observation threshold, got %g", cfg.ObservationThreshold)
	}
	if !strings.HasPrefix(hash, "sha256:") || len(hash) != len("sha256:")+64 {
		t.Errorf("unexpected hash %q", hash)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	if err := os.WriteFile(path, []byte("observation_threshold: 95\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestDefaultConfigYAMLMatchesDefaults(t *testing.T) {
	cfg, err := ParseYAML([]byte(DefaultConfigYAML()))
	if err != nil {
		t.Fatalf("template must parse: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("template drifted from defaults: %+v", cfg)
	}
}

func TestMergeJSONKeepsAbsentFields(t *testing.T) {
	base := DefaultConfig()
	merged, err := MergeJSON(base, []byte(`{"decayRate":0.5,"modelPath":"/models/iforest.onnx"}`))
	if err != nil {
		t.Fatal(err)
	}
	if merged.DecayRate != 0.5 || merged.ModelPath != "/models/iforest.onnx" {
		t.Errorf("expected merged fields, got %+v", merged)
	}
	if merged.BlockThreshold != base.BlockThreshold {
		t.Errorf("absent field changed: %g", merged.BlockThreshold)
	}
}

func TestDiff(t *testing.T) {
	old := DefaultConfig()
	new := old
	new.BlockThreshold = 80
	new.ModelPath = "m.onnx"

	d := Diff(old, new)
	if !d.HasChanges || len(d.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", d.Changes)
	}
	if d.Changes[0].Field != "block_threshold" || d.Changes[0].Comment != "blocking starts earlier" {
		t.Errorf("unexpected change %+v", d.Changes[0])
	}
	if Diff(old, old).HasChanges {
		t.Error("identical configs must not differ")
	}
}

func TestFormatText(t *testing.T) {
	old := DefaultConfig()
	new := old
	new.DecayRate = 0.5

	d := Diff(old, new)
	d.OldPath, d.NewPath = "a.yaml", "b.yaml"
	out := FormatText(d)
	if !strings.Contains(out, "a.yaml -> b.yaml") {
		t.Errorf("missing paths in %q", out)
	}
	if !strings.Contains(out, "decay_rate:") || !strings.Contains(out, "0.1 -> 0.5") || !strings.Contains(out, "scores decay faster") {
		t.Errorf("missing change line in %q", out)
	}
	if !strings.Contains(FormatText(Diff(old, old)), "No changes detected") {
		t.Error("expected no-change message")
	}
}
