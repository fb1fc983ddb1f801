package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

type memRecord struct {
	ev     model.AuditEvent
	status atomic.Int32
}

// MemoryStore is an in-process Store. Feedback is a per-record
// compare-and-swap and never takes the index lock for writing.
type MemoryStore struct {
	mu      sync.RWMutex
	byTrace map[string]*memRecord
	order   []*memRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTrace: make(map[string]*memRecord)}
}

// Append stores ev. A repeated traceId is rejected with ErrDuplicate.
func (m *MemoryStore) Append(ctx context.Context, ev model.AuditEvent) error {
	rec := &memRecord{ev: ev}
	rec.ev.TableNames = append([]string(nil), ev.TableNames...)
	rec.status.Store(int32(ev.FeedbackStatus))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTrace[ev.TraceID]; ok {
		return fmt.Errorf("audit: trace %s: %w", ev.TraceID, model.ErrDuplicate)
	}
	m.byTrace[ev.TraceID] = rec
	m.order = append(m.order, rec)
	return nil
}

func (m *MemoryStore) lookup(traceID string) (*memRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byTrace[traceID]
	return rec, ok
}

// Get returns the event for traceID.
func (m *MemoryStore) Get(ctx context.Context, traceID string) (model.AuditEvent, error) {
	rec, ok := m.lookup(traceID)
	if !ok {
		return model.AuditEvent{}, fmt.Errorf("audit: trace %s: %w", traceID, model.ErrNotFound)
	}
	return rec.snapshot(), nil
}

// MarkFeedback applies status if the record is still unmarked.
func (m *MemoryStore) MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (model.FeedbackStatus, bool, error) {
	rec, ok := m.lookup(traceID)
	if !ok {
		return model.Unmarked, false, fmt.Errorf("audit: trace %s: %w", traceID, model.ErrNotFound)
	}
	if rec.status.CompareAndSwap(int32(model.Unmarked), int32(status)) {
		return status, true, nil
	}
	return model.FeedbackStatus(rec.status.Load()), false, nil
}

// List pages events newest first.
func (m *MemoryStore) List(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error) {
	all := m.all()
	SortNewestFirst(all)
	return model.Paginate(all, page, size), nil
}

// Trend buckets events in [from, to].
func (m *MemoryStore) Trend(ctx context.Context, from, to time.Time, slot time.Duration) ([]model.TrendPoint, error) {
	return BucketTrend(m.all(), from, to, slot), nil
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

func (m *MemoryStore) all() []model.AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditEvent, 0, len(m.order))
	for _, rec := range m.order {
		out = append(out, rec.snapshot())
	}
	return out
}

func (r *memRecord) snapshot() model.AuditEvent {
	ev := r.ev
	ev.TableNames = append([]string(nil), r.ev.TableNames...)
	ev.FeedbackStatus = model.FeedbackStatus(r.status.Load())
	return ev
}
