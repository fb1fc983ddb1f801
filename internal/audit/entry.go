package audit

import (
	"fmt"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Entry types in the journal.
const (
	TypeDecision = "decision"
	TypeFeedback = "feedback"
)

// TimestampFormat is the layout used in journal timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one line in the hash-chained JSONL journal.
// All fields are plain values (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	Timestamp      string   `json:"ts"`
	Type           string   `json:"type"`
	TraceID        string   `json:"trace_id"`
	AppUserID      string   `json:"app_user_id,omitempty"`
	SQLTemplate    string   `json:"sql_template,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	ClientIP       string   `json:"client_ip,omitempty"`
	ExecutionMs    int64    `json:"execution_ms,omitempty"`
	ResultCount    int      `json:"result_count,omitempty"`
	RiskScore      float64  `json:"risk_score"`
	RuleScore      float64  `json:"rule_score"`
	MLScore        float64  `json:"ml_score"`
	MLFallback     bool     `json:"ml_fallback,omitempty"`
	Action         string   `json:"action,omitempty"`
	Level          string   `json:"level,omitempty"`
	Description    string   `json:"description,omitempty"`
	FeedbackStatus int      `json:"feedback_status,omitempty"`
	PrevHash       string   `json:"prev_hash"`
}

// EntryFromEvent flattens an audit event into a decision entry.
func EntryFromEvent(ev model.AuditEvent) Entry {
	return Entry{
		Timestamp:   formatTime(ev.CreateTime),
		Type:        TypeDecision,
		TraceID:     ev.TraceID,
		AppUserID:   ev.AppUserID,
		SQLTemplate: ev.SQLTemplate,
		Tables:      ev.TableNames,
		ClientIP:    ev.ClientIP,
		ExecutionMs: ev.ExecutionTime.Milliseconds(),
		ResultCount: ev.ResultCount,
		RiskScore:   ev.RiskScore,
		RuleScore:   ev.RuleScore,
		MLScore:     ev.MLScore,
		MLFallback:  ev.MLFallback,
		Action:      string(ev.ActionTaken),
		Level:       string(ev.RiskLevel),
		Description: ev.Description,
	}
}

// Event rebuilds the audit event of a decision entry.
func (e Entry) Event() (model.AuditEvent, error) {
	if e.Type != TypeDecision {
		return model.AuditEvent{}, fmt.Errorf("audit: entry %s is %q, not a decision", e.TraceID, e.Type)
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: entry %s timestamp: %w", e.TraceID, err)
	}
	return model.AuditEvent{
		TraceID:       e.TraceID,
		AppUserID:     e.AppUserID,
		SQLTemplate:   e.SQLTemplate,
		TableNames:    e.Tables,
		RiskScore:     e.RiskScore,
		ActionTaken:   model.Action(e.Action),
		RiskLevel:     model.RiskLevel(e.Level),
		CreateTime:    ts,
		ClientIP:      e.ClientIP,
		ExecutionTime: time.Duration(e.ExecutionMs) * time.Millisecond,
		ResultCount:   e.ResultCount,
		RuleScore:     e.RuleScore,
		MLScore:       e.MLScore,
		MLFallback:    e.MLFallback,
		Description:   e.Description,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(TimestampFormat)
}
