package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// ReplayFilter holds filtering criteria for reading the journal back.
type ReplayFilter struct {
	AppUserID string    // empty = all users
	From      time.Time // zero value = no lower bound
	To        time.Time // zero value = no upper bound
}

// ReplaySummary holds decision counts for the replayed events.
type ReplaySummary struct {
	Total          int     `json:"total"`
	PassCount      int     `json:"pass_count"`
	BlockCount     int     `json:"block_count"`
	FallbackCount  int     `json:"ml_fallback_count"`
	FalsePositives int     `json:"false_positives"`
	TruePositives  int     `json:"true_positives"`
	MaxScore       float64 `json:"max_score"`
	FirstTimestamp string  `json:"first_timestamp,omitempty"`
	LastTimestamp  string  `json:"last_timestamp,omitempty"`
}

// ReplayResult holds the replayed events in journal order.
type ReplayResult struct {
	Events  []model.AuditEvent `json:"events"`
	Summary ReplaySummary      `json:"summary"`
}

// ReadEvents reads the journal and returns decisions matching the filter,
// with feedback entries folded into their events. The first label recorded
// for a trace wins.
func ReadEvents(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{}
	index := make(map[string]int)
	labels := make(map[string]model.FeedbackStatus)

	scanner := newScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}

		if entry.Type == TypeFeedback {
			if _, seen := labels[entry.TraceID]; !seen {
				labels[entry.TraceID] = model.FeedbackStatus(entry.FeedbackStatus)
			}
			continue
		}

		if filter.AppUserID != "" && entry.AppUserID != filter.AppUserID {
			continue
		}
		ev, err := entry.Event()
		if err != nil {
			continue // skip unparseable timestamps
		}
		if !filter.From.IsZero() && ev.CreateTime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && ev.CreateTime.After(filter.To) {
			continue
		}

		index[ev.TraceID] = len(result.Events)
		result.Events = append(result.Events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit journal: %w", err)
	}

	for id, status := range labels {
		if i, ok := index[id]; ok {
			result.Events[i].FeedbackStatus = status
		}
	}
	for _, ev := range result.Events {
		updateSummary(&result.Summary, ev)
	}
	return result, nil
}

func updateSummary(s *ReplaySummary, ev model.AuditEvent) {
	s.Total++

	ts := ev.CreateTime.UTC().Format(TimestampFormat)
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = ts
	}
	s.LastTimestamp = ts

	if ev.ActionTaken == model.Block {
		s.BlockCount++
	} else {
		s.PassCount++
	}
	if ev.MLFallback {
		s.FallbackCount++
	}
	switch ev.FeedbackStatus {
	case model.FalsePositive:
		s.FalsePositives++
	case model.TruePositive:
		s.TruePositives++
	}
	if ev.RiskScore > s.MaxScore {
		s.MaxScore = ev.RiskScore
	}
}
