package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/decision"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// Status is the read-only gate result for a user.
type Status struct {
	Profile model.RiskProfile `json:"profile"`
	// Action is what an event contributing nothing would receive now.
	Action model.Action `json:"action"`
	// Known is false for users the engine has never seen.
	Known bool `json:"known"`
}

// decayedView returns p as of now without mutating any state. The decay
// anchor stays at the stored update time.
func decayedView(p model.RiskProfile, cfg riskconfig.RiskConfig, now time.Time) model.RiskProfile {
	p.CurrentScore = accumulator.Decayed(p.CurrentScore, cfg.DecayRate, accumulator.Elapsed(p.LastUpdateTime, now))
	p.RiskLevel = decision.LevelFor(p.CurrentScore, cfg)
	return p
}

// GetProfile returns the user's profile with decay applied up to now.
// Unknown users yield model.ErrNotFound.
func (e *Engine) GetProfile(ctx context.Context, appUserID string) (model.RiskProfile, error) {
	p, err := e.arena.Get(ctx, appUserID)
	if err != nil {
		return model.RiskProfile{}, fmt.Errorf("engine: profile %s: %w", appUserID, err)
	}
	return decayedView(p, e.config.Get(), e.now()), nil
}

// CheckStatus reports the decayed profile and the action a new event would
// get before adding its own contribution. Unknown users are NORMAL and
// are not created.
func (e *Engine) CheckStatus(ctx context.Context, appUserID string) (Status, error) {
	cfg := e.config.Get()
	now := e.now()
	p, err := e.arena.Get(ctx, appUserID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return Status{Profile: model.NewRiskProfile(appUserID, now), Action: model.Pass}, nil
	case err != nil:
		return Status{}, fmt.Errorf("engine: status %s: %w", appUserID, err)
	}
	view := decayedView(p, cfg, now)
	return Status{Profile: view, Action: decision.ActionFor(view.RiskLevel), Known: true}, nil
}

// ListProfiles returns tracked profiles with read-time decay, highest score
// first and then by user ID.
func (e *Engine) ListProfiles(ctx context.Context, page, size int) (model.Page[model.RiskProfile], error) {
	if err := ctx.Err(); err != nil {
		return model.Page[model.RiskProfile]{}, err
	}
	cfg := e.config.Get()
	now := e.now()
	all := e.arena.Profiles()
	for i := range all {
		all[i] = decayedView(all[i], cfg, now)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CurrentScore != all[j].CurrentScore {
			return all[i].CurrentScore > all[j].CurrentScore
		}
		return all[i].AppUserID < all[j].AppUserID
	})
	return model.Paginate(all, page, size), nil
}

// Warm preloads persisted profiles.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	n, err := e.arena.Warm(ctx)
	if err != nil {
		return 0, err
	}
	e.metrics.SetProfiles(e.arena.Len())
	return n, nil
}
