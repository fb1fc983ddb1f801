package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// DiffEntry represents one event whose action changed.
type DiffEntry struct {
	Timestamp string               `json:"ts"`
	TraceID   string               `json:"trace_id"`
	AppUserID string               `json:"app_user_id"`
	OldAction model.Action         `json:"old_action"`
	NewAction model.Action         `json:"new_action"`
	OldLevel  model.RiskLevel      `json:"old_level"`
	NewLevel  model.RiskLevel      `json:"new_level"`
	NewScore  float64              `json:"new_score"`
	Feedback  model.FeedbackStatus `json:"feedback_status"`
}

// LabelOutcome counts labelled events by their action under the candidate.
type LabelOutcome struct {
	Total   int `json:"total"`
	Blocked int `json:"blocked"`
	Passed  int `json:"passed"`
	// Fixed counts false positives that were blocked and now pass.
	Fixed int `json:"fixed,omitempty"`
	// Missed counts true positives that were blocked and now pass.
	Missed int `json:"missed,omitempty"`
}

// LabelSummary splits outcomes by reviewer label.
type LabelSummary struct {
	FalsePositives LabelOutcome `json:"false_positives"`
	TruePositives  LabelOutcome `json:"true_positives"`
}

func (s *LabelSummary) observe(label model.FeedbackStatus, old, now model.Action) {
	var o *LabelOutcome
	switch label {
	case model.FalsePositive:
		o = &s.FalsePositives
	case model.TruePositive:
		o = &s.TruePositives
	default:
		return
	}
	o.Total++
	if now == model.Block {
		o.Blocked++
		return
	}
	o.Passed++
	if old == model.Block {
		if label == model.FalsePositive {
			o.Fixed++
		} else {
			o.Missed++
		}
	}
}

// SimResult holds the complete simulation output.
type SimResult struct {
	ConfigPath     string                `json:"config_path,omitempty"`
	Config         riskconfig.RiskConfig `json:"config"`
	TotalEvents    int                   `json:"total_events"`
	ChangedActions int                   `json:"changed_actions"`
	NewlyBlocked   int                   `json:"newly_blocked"`
	NewlyPassed    int                   `json:"newly_passed"`
	Labels         LabelSummary          `json:"labels"`
	Changes        []DiffEntry           `json:"changes"`
}

// FormatText renders the simulation result as human-readable text.
func FormatText(r *SimResult) string {
	var b strings.Builder

	target := r.ConfigPath
	if target == "" {
		target = "candidate config"
	}
	fmt.Fprintf(&b, "Simulating %s against %d recorded events...\n", target, r.TotalEvents)

	if len(r.Changes) == 0 {
		b.WriteString("\nNo changes detected.\n")
	} else {
		b.WriteString("\n")
		for _, d := range r.Changes {
			ts := d.Timestamp
			if len(ts) >= 19 {
				ts = ts[11:19]
			}
			label := ""
			switch d.Feedback {
			case model.FalsePositive:
				label = "  [fp]"
			case model.TruePositive:
				label = "  [tp]"
			}
			fmt.Fprintf(&b, "  CHANGED  %s  %-20s %-5s -> %-5s  score %.2f%s\n",
				ts, truncate(d.AppUserID, 20), d.OldAction, d.NewAction, d.NewScore, label)
		}
		fmt.Fprintf(&b, "\n%d of %d events changed.", r.ChangedActions, r.TotalEvents)
		if r.NewlyBlocked > 0 || r.NewlyPassed > 0 {
			fmt.Fprintf(&b, " %d newly blocked, %d newly passed.", r.NewlyBlocked, r.NewlyPassed)
		}
		b.WriteString("\n")
	}

	fp, tp := r.Labels.FalsePositives, r.Labels.TruePositives
	if fp.Total > 0 || tp.Total > 0 {
		fmt.Fprintf(&b, "False positives: %d still blocked, %d passing (%d fixed).\n", fp.Blocked, fp.Passed, fp.Fixed)
		fmt.Fprintf(&b, "True positives:  %d still blocked, %d passing (%d missed).\n", tp.Blocked, tp.Passed, tp.Missed)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// FormatJSON renders the simulation result as JSON.
func FormatJSON(r *SimResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sim result: %w", err)
	}
	return string(data), nil
}
