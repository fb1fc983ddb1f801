// Package feedback records reviewer labels on past decisions.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Outcomes reported to the Recorder.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeNotFound  = "not_found"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// Labeler is the part of the audit store feedback needs.
type Labeler interface {
	MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (model.FeedbackStatus, bool, error)
}

// Recorder observes submissions.
type Recorder interface {
	ObserveFeedback(status, outcome string)
}

// InvalidError rejects a submission before it reaches the store.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "feedback: " + e.Reason }

func (e *InvalidError) Is(target error) bool { return target == model.ErrValidation }

// Result is the label on the record after a submission.
type Result struct {
	TraceID string               `json:"traceId"`
	Status  model.FeedbackStatus `json:"feedbackStatus"`
	Changed bool                 `json:"changed"`
}

// Processor applies labels. Only the 0 to {1,2} transition is accepted;
// later submissions return the existing label.
type Processor struct {
	labeler  Labeler
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

func WithRecorder(r Recorder) Option { return func(p *Processor) { p.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// NewProcessor returns a processor over l.
func NewProcessor(l Labeler, opts ...Option) *Processor {
	p := &Processor{labeler: l, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit labels traceID with status.
func (p *Processor) Submit(ctx context.Context, traceID string, status model.FeedbackStatus) (Result, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		p.observe(status, OutcomeInvalid)
		return Result{}, &InvalidError{Reason: "traceId is required"}
	}
	if !status.Valid() {
		p.observe(status, OutcomeInvalid)
		return Result{}, &InvalidError{Reason: fmt.Sprintf("status must be 1 or 2, got %d", int(status))}
	}

	current, changed, err := p.labeler.MarkFeedback(ctx, traceID, status)
	switch {
	case errors.Is(err, model.ErrNotFound):
		p.observe(status, OutcomeNotFound)
		return Result{}, fmt.Errorf("feedback: trace %s: %w", traceID, model.ErrNotFound)
	case err != nil:
		p.observe(status, OutcomeError)
		return Result{}, fmt.Errorf("feedback: mark %s: %w", traceID, err)
	}

	if changed {
		p.observe(status, OutcomeApplied)
		p.logger.Info("feedback recorded", "trace_id", traceID, "status", current.String())
	} else {
		p.observe(status, OutcomeUnchanged)
		p.logger.Debug("feedback ignored, record already labelled",
			"trace_id", traceID, "existing", current.String(), "submitted", status.String())
	}
	return Result{TraceID: traceID, Status: current, Changed: changed}, nil
}

func (p *Processor) observe(status model.FeedbackStatus, outcome string) {
	if p.recorder != nil {
		p.recorder.ObserveFeedback(status.String(), outcome)
	}
}
