package engine

import (
	"context"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/decision"
	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// DefaultRefreshInterval is the decay sweep period.
const DefaultRefreshInterval = time.Minute

// RefreshResult summarises one decay sweep.
type RefreshResult struct {
	Scanned     int `json:"scanned"`
	Transitions int `json:"transitions"`
}

// Refresh applies decay up to now to every tracked profile and installs
// the recomputed level. Transitions are logged and alerted like
// event-driven ones.
func (e *Engine) Refresh(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult
	now := e.now()
	for _, user := range e.arena.Users() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cfg := e.config.Get()
		var out decision.Outcome
		var changed bool
		_, next, err := e.arena.Apply(ctx, user, now, func(p model.RiskProfile, elapsed time.Duration) model.RiskProfile {
			decayed := accumulator.Decayed(p.CurrentScore, cfg.DecayRate, elapsed)
			out = decision.Decide(p.RiskLevel, decayed, cfg, decision.Cause{DecayOnly: true})
			p.CurrentScore = decayed
			if out.Transitioned() {
				changed = true
				p.RiskLevel = out.Level
				p.Description = out.Description
			}
			return p
		})
		if err != nil {
			return res, err
		}
		res.Scanned++
		if changed {
			res.Transitions++
			e.transition(user, "", out, next.CurrentScore)
		}
	}
	return res, nil
}

// RunRefresher sweeps every interval until ctx is cancelled.
func (e *Engine) RunRefresher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := e.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn("decay refresh failed", "err", err)
				continue
			}
			if res.Transitions > 0 {
				e.logger.Info("decay refresh", "scanned", res.Scanned, "transitions", res.Transitions)
			}
		}
	}
}
