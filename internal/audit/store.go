package audit

import (
	"context"
	"sort"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// DefaultTrendSlot is the trend bucket width when none is configured.
const DefaultTrendSlot = time.Minute

// Sink receives every evaluated event exactly once.
type Sink interface {
	Append(ctx context.Context, ev model.AuditEvent) error
}

// FeedbackMirror receives labels after they are stored.
type FeedbackMirror interface {
	RecordFeedback(ctx context.Context, traceID string, status model.FeedbackStatus, at time.Time) error
}

// Store is the durable audit log. MarkFeedback must only move a record from
// Unmarked to status; for an already labelled record it returns the existing
// label with changed=false.
type Store interface {
	Sink
	Get(ctx context.Context, traceID string) (model.AuditEvent, error)
	MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (current model.FeedbackStatus, changed bool, err error)
	List(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error)
	Trend(ctx context.Context, from, to time.Time, slot time.Duration) ([]model.TrendPoint, error)
}

// SlotStart truncates t to the start of its slot. Slots are aligned to the
// Unix epoch so SQL backends can bucket with integer division.
func SlotStart(t time.Time, slot time.Duration) time.Time {
	ms := SlotMillis(slot)
	at := t.UnixMilli()
	start := at - at%ms
	if at < 0 && at%ms != 0 {
		start -= ms
	}
	return time.UnixMilli(start).UTC()
}

// SlotMillis returns the slot width in milliseconds, at least 1.
func SlotMillis(slot time.Duration) int64 {
	if slot <= 0 {
		slot = DefaultTrendSlot
	}
	if ms := slot.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// BucketTrend sums riskScore of events in [from, to] per slot. Points are
// ascending and empty slots are omitted.
func BucketTrend(events []model.AuditEvent, from, to time.Time, slot time.Duration) []model.TrendPoint {
	buckets := make(map[time.Time]*model.TrendPoint)
	for _, ev := range events {
		if ev.CreateTime.Before(from) || ev.CreateTime.After(to) {
			continue
		}
		key := SlotStart(ev.CreateTime, slot)
		p, ok := buckets[key]
		if !ok {
			p = &model.TrendPoint{Slot: key}
			buckets[key] = p
		}
		p.TotalScore += ev.RiskScore
		p.Events++
	}

	points := make([]model.TrendPoint, 0, len(buckets))
	for _, p := range buckets {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Slot.Before(points[j].Slot) })
	return points
}

// SortNewestFirst orders events by createTime descending, then traceId.
func SortNewestFirst(events []model.AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreateTime.Equal(events[j].CreateTime) {
			return events[i].CreateTime.After(events[j].CreateTime)
		}
		return events[i].TraceID < events[j].TraceID
	})
}
