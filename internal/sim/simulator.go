package sim

import (
	"fmt"
	"sort"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/decision"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// Simulate replays the audit journal at journalPath under the risk config
// at configPath and returns the decisions that would change.
func Simulate(journalPath, configPath string, filter audit.ReplayFilter) (*SimResult, error) {
	cfg, err := riskconfig.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load risk config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	replay, err := audit.ReadEvents(journalPath, filter)
	if err != nil {
		return nil, err
	}

	result := Run(replay.Events, cfg)
	result.ConfigPath = configPath
	return result, nil
}

type userState struct {
	score float64
	last  time.Time
}

// Run re-scores events under cfg. Each user starts from an empty profile at
// their first replayed event; the recorded rule and ML scores are reused, so
// the model is never called. Events are processed in time order.
func Run(events []model.AuditEvent, cfg riskconfig.RiskConfig) *SimResult {
	ordered := make([]model.AuditEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreateTime.Before(ordered[j].CreateTime)
	})

	result := &SimResult{Config: cfg}
	users := make(map[string]*userState)

	for _, ev := range ordered {
		result.TotalEvents++

		st, ok := users[ev.AppUserID]
		if !ok {
			st = &userState{last: ev.CreateTime}
			users[ev.AppUserID] = st
		}
		decayed := accumulator.Decayed(st.score, cfg.DecayRate, accumulator.Elapsed(st.last, ev.CreateTime))
		if ev.CreateTime.After(st.last) {
			st.last = ev.CreateTime
		}

		var newAction model.Action
		if cfg.RejectsBlocked() && decision.LevelFor(decayed, cfg) == model.Blocked {
			st.score = decayed
			newAction = model.Block
		} else {
			weight := cfg.MLWeight
			if ev.MLFallback {
				weight = 0
			}
			st.score = decayed + accumulator.Blend(ev.RuleScore, ev.MLScore, weight)
			newAction = decision.ActionFor(decision.LevelFor(st.score, cfg))
		}
		newLevel := decision.LevelFor(st.score, cfg)

		result.Labels.observe(ev.FeedbackStatus, ev.ActionTaken, newAction)
		if newAction == ev.ActionTaken {
			continue
		}

		result.ChangedActions++
		if newAction == model.Block {
			result.NewlyBlocked++
		} else {
			result.NewlyPassed++
		}
		result.Changes = append(result.Changes, DiffEntry{
			Timestamp: ev.CreateTime.UTC().Format(audit.TimestampFormat),
			TraceID:   ev.TraceID,
			AppUserID: ev.AppUserID,
			OldAction: ev.ActionTaken,
			NewAction: newAction,
			OldLevel:  ev.RiskLevel,
			NewLevel:  newLevel,
			NewScore:  st.score,
			Feedback:  ev.FeedbackStatus,
		})
	}
	return result
}
