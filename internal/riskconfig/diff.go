package riskconfig

import (
	"fmt"
	"strconv"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// DiffResult holds the comparison of two RiskConfigs.
type DiffResult struct {
	OldPath    string   `json:"old_path,omitempty"`
	NewPath    string   `json:"new_path,omitempty"`
	Changes    []Change `json:"changes"`
	HasChanges bool     `json:"has_changes"`
}

// Fields renders the changes as "field: old -> new" strings for logging.
func (r *DiffResult) Fields() []string {
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		out = append(out, fmt.Sprintf("%s: %s -> %s", c.Field, c.Old, c.New))
	}
	return out
}

// Diff compares two RiskConfigs field by field.
func Diff(old, new RiskConfig) *DiffResult {
	r := &DiffResult{}

	diffFloat(r, "decay_rate", old.DecayRate, new.DecayRate, "scores decay faster", "scores decay slower")
	diffFloat(r, "observation_threshold", old.ObservationThreshold, new.ObservationThreshold,
		"observation starts later", "observation starts earlier")
	diffFloat(r, "block_threshold", old.BlockThreshold, new.BlockThreshold,
		"blocking starts later", "blocking starts earlier")
	if old.WindowTTL != new.WindowTTL {
		r.Changes = append(r.Changes, Change{
			Field: "window_ttl",
			Old:   strconv.FormatInt(old.WindowTTL, 10),
			New:   strconv.FormatInt(new.WindowTTL, 10),
		})
	}
	diffFloat(r, "ml_weight", old.MLWeight, new.MLWeight, "more weight on the model", "more weight on rules")
	diffString(r, "model_path", old.ModelPath, new.ModelPath)
	diffString(r, "blocked_policy", string(old.BlockedPolicy), string(new.BlockedPolicy))
	diffString(r, "coefficient_policy", string(old.CoefficientPolicy), string(new.CoefficientPolicy))
	diffFloat(r, "coefficient_cap", old.CoefficientCap, new.CoefficientCap, "", "")

	r.HasChanges = len(r.Changes) > 0
	return r
}

func diffFloat(r *DiffResult, field string, old, new float64, up, down string) {
	if old == new {
		return
	}
	comment := up
	if new < old {
		comment = down
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     strconv.FormatFloat(old, 'g', -1, 64),
		New:     strconv.FormatFloat(new, 'g', -1, 64),
		Comment: comment,
	})
}

func diffString(r *DiffResult, field, old, new string) {
	if old == new {
		return
	}
	r.Changes = append(r.Changes, Change{Field: field, Old: old, New: new})
}
