// Package decision maps an accumulated risk score to a level and an action.
package decision

import (
	"fmt"
	"strings"

	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// LevelFor is a pure function of the score and the two thresholds.
func LevelFor(score float64, cfg riskconfig.RiskConfig) model.RiskLevel {
	switch {
	case score >= cfg.BlockThreshold:
		return model.Blocked
	case score >= cfg.ObservationThreshold:
		return model.Observation
	default:
		return model.Normal
	}
}

// ActionFor blocks exactly when the post-event level is BLOCKED.
func ActionFor(level model.RiskLevel) model.Action {
	if level == model.Blocked {
		return model.Block
	}
	return model.Pass
}

// Cause carries what contributed to a score change, for the rationale.
type Cause struct {
	SensitiveTables []string
	Operation       string
	DDL             bool
	MLFallback      bool
	// Rejected marks an event refused before scoring because the user was blocked.
	Rejected bool
	// DecayOnly marks a read-time or sweep update with no new event.
	DecayOnly bool
}

// Outcome is the result of one state-machine step.
type Outcome struct {
	Previous    model.RiskLevel `json:"previous"`
	Level       model.RiskLevel `json:"level"`
	Action      model.Action    `json:"action"`
	Description string          `json:"description"`
}

// Transitioned reports whether the level changed.
func (o Outcome) Transitioned() bool {
	return o.Previous != o.Level
}

// Decide evaluates the state machine after a score update.
func Decide(prev model.RiskLevel, score float64, cfg riskconfig.RiskConfig, cause Cause) Outcome {
	if prev == "" {
		prev = model.Normal
	}
	level := LevelFor(score, cfg)
	action := ActionFor(level)
	if cause.Rejected {
		action = model.Block
	}
	return Outcome{
		Previous:    prev,
		Level:       level,
		Action:      action,
		Description: Describe(prev, level, score, cfg, cause),
	}
}

// Describe builds the short rationale stored on the profile and audit record.
func Describe(prev, level model.RiskLevel, score float64, cfg riskconfig.RiskConfig, cause Cause) string {
	if cause.Rejected {
		return fmt.Sprintf("user blocked; event rejected before scoring (score %.2f)", score)
	}

	up := model.LevelRank[level] > model.LevelRank[prev]
	down := model.LevelRank[level] < model.LevelRank[prev]

	var msg string
	switch {
	case level == model.Blocked && up:
		msg = "score crossed block threshold"
	case level == model.Blocked:
		msg = "score remains above block threshold"
	case level == model.Observation && up:
		msg = "score crossed observation threshold"
	case level == model.Observation && down:
		msg = "score decayed below block threshold"
	case level == model.Observation:
		msg = "score within observation range"
	case down:
		msg = "score decayed below observation threshold"
	default:
		msg = "score within normal range"
	}

	if !cause.DecayOnly && (up || level == model.Blocked) {
		switch {
		case len(cause.SensitiveTables) > 0:
			msg += " due to sensitive-table access (" + strings.Join(cause.SensitiveTables, ", ") + ")"
		case cause.DDL:
			msg += " due to " + cause.Operation + " statement"
		}
	}

	threshold := cfg.ObservationThreshold
	if level == model.Blocked || (level == model.Observation && down) {
		threshold = cfg.BlockThreshold
	}
	msg += fmt.Sprintf(" (score %.2f, threshold %g)", score, threshold)

	if cause.MLFallback {
		msg += "; ML unavailable, rule score only"
	}
	return msg
}
