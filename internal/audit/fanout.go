package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// FailureFunc is called for every failed mirror write.
type FailureFunc func(sink, traceID string, err error)

type mirror struct {
	name     string
	sink     Sink
	feedback FeedbackMirror
}

// Fanout writes to a primary Store and copies records and labels to
// mirrors such as the journal or a message bus. Reads go to the primary.
type Fanout struct {
	primary   Store
	mirrors   []mirror
	logger    *slog.Logger
	onFailure FailureFunc
	now       func() time.Time
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithMirror adds a named mirror. If s also implements FeedbackMirror it
// receives labels too.
func WithMirror(name string, s Sink) FanoutOption {
	return func(f *Fanout) {
		m := mirror{name: name, sink: s}
		if fm, ok := s.(FeedbackMirror); ok {
			m.feedback = fm
		}
		f.mirrors = append(f.mirrors, m)
	}
}

// WithFanoutLogger sets the logger.
func WithFanoutLogger(l *slog.Logger) FanoutOption {
	return func(f *Fanout) { f.logger = l }
}

// WithFailureHook registers fn for mirror write failures.
func WithFailureHook(fn FailureFunc) FanoutOption {
	return func(f *Fanout) { f.onFailure = fn }
}

// NewFanout wraps primary.
func NewFanout(primary Store, opts ...FanoutOption) *Fanout {
	f := &Fanout{primary: primary, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Append writes ev to the primary, then to every mirror. A primary failure
// is returned to the caller; mirror failures are logged, reported through
// the failure hook and never returned.
func (f *Fanout) Append(ctx context.Context, ev model.AuditEvent) error {
	err := f.primary.Append(ctx, ev)
	if err != nil {
		err = fmt.Errorf("audit: append %s: %w", ev.TraceID, err)
	}
	for _, m := range f.mirrors {
		if merr := m.sink.Append(ctx, ev); merr != nil {
			f.fail(m.name, ev.TraceID, merr)
		}
	}
	return err
}

// MarkFeedback labels the primary record and mirrors the label only when
// it changed.
func (f *Fanout) MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (model.FeedbackStatus, bool, error) {
	current, changed, err := f.primary.MarkFeedback(ctx, traceID, status)
	if err != nil || !changed {
		return current, changed, err
	}
	at := f.now()
	for _, m := range f.mirrors {
		if m.feedback == nil {
			continue
		}
		if merr := m.feedback.RecordFeedback(ctx, traceID, current, at); merr != nil {
			f.fail(m.name, traceID, merr)
		}
	}
	return current, changed, nil
}

func (f *Fanout) Get(ctx context.Context, traceID string) (model.AuditEvent, error) {
	return f.primary.Get(ctx, traceID)
}

func (f *Fanout) List(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error) {
	return f.primary.List(ctx, page, size)
}

func (f *Fanout) Trend(ctx context.Context, from, to time.Time, slot time.Duration) ([]model.TrendPoint, error) {
	return f.primary.Trend(ctx, from, to, slot)
}

func (f *Fanout) fail(sink, traceID string, err error) {
	f.logger.Error("audit persistence degraded", "sink", sink, "trace_id", traceID, "err", err)
	if f.onFailure != nil {
		f.onFailure(sink, traceID, err)
	}
}
