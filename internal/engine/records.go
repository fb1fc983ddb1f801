package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/feedback"
	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// ListSensitiveTables returns registry entries ordered by ID.
func (e *Engine) ListSensitiveTables() []model.SensitiveTable {
	return e.registry.List()
}

func (e *Engine) CreateSensitiveTable(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	return e.registry.Create(ctx, t)
}

func (e *Engine) UpdateSensitiveTable(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	return e.registry.Update(ctx, t)
}

func (e *Engine) DeleteSensitiveTable(ctx context.Context, id int64) error {
	return e.registry.Delete(ctx, id)
}

// SubmitFeedback labels an audited event. The first label wins; later
// submissions return the existing status.
func (e *Engine) SubmitFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (feedback.Result, error) {
	return e.feedback.Submit(ctx, traceID, status)
}

// GetAuditEvent returns one audit record.
func (e *Engine) GetAuditEvent(ctx context.Context, traceID string) (model.AuditEvent, error) {
	return e.store.Get(ctx, traceID)
}

// ListAuditEvents pages audit records, newest first.
func (e *Engine) ListAuditEvents(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error) {
	page, size = model.NormalizePage(page, size)
	return e.store.List(ctx, page, size)
}

// GetTrend sums contributed risk per slot over the last window, oldest slot
// first. Slots without events are omitted.
func (e *Engine) GetTrend(ctx context.Context, window time.Duration) ([]model.TrendPoint, error) {
	if window <= 0 {
		return nil, fmt.Errorf("engine: %w: trend window must be positive", model.ErrValidation)
	}
	to := e.now()
	return e.store.Trend(ctx, to.Add(-window), to, e.trendSlot)
}
