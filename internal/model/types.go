package model

import (
	"errors"
	"strings"
	"time"
)

// RiskLevel is the state of a user's risk profile.
type RiskLevel string

const (
	Normal      RiskLevel = "NORMAL"
	Observation RiskLevel = "OBSERVATION"
	Blocked     RiskLevel = "BLOCKED"
)

// LevelRank maps a risk level to a comparable integer.
var LevelRank = map[RiskLevel]int{
	Normal:      0,
	Observation: 1,
	Blocked:     2,
}

// ParseRiskLevel accepts a level name in any case. Unknown names map to Normal.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case Observation:
		return Observation
	case Blocked:
		return Blocked
	default:
		return Normal
	}
}

// Action is the decision taken for a single event.
type Action string

const (
	Pass  Action = "PASS"
	Block Action = "BLOCK"
)

// FeedbackStatus is the reviewer label attached to an audit event.
type FeedbackStatus int

const (
	Unmarked      FeedbackStatus = 0
	FalsePositive FeedbackStatus = 1
	TruePositive  FeedbackStatus = 2
)

// Valid reports whether s is a label a reviewer may submit.
func (s FeedbackStatus) Valid() bool {
	return s == FalsePositive || s == TruePositive
}

func (s FeedbackStatus) String() string {
	switch s {
	case FalsePositive:
		return "false_positive"
	case TruePositive:
		return "true_positive"
	default:
		return "unmarked"
	}
}

// ParseFeedbackStatus accepts "1", "2", "fp", "tp" and the long names.
func ParseFeedbackStatus(s string) (FeedbackStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "fp", "false_positive", "false-positive":
		return FalsePositive, true
	case "2", "tp", "true_positive", "true-positive":
		return TruePositive, true
	}
	return Unmarked, false
}

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrDuplicate            = errors.New("already exists")
	ErrInferenceUnavailable = errors.New("inference unavailable")
)

// RiskProfile is the accumulated risk state of one application user.
type RiskProfile struct {
	AppUserID      string    `json:"appUserId"`
	CurrentScore   float64   `json:"currentScore"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	LastUpdateTime time.Time `json:"lastUpdateTime"`
	Description    string    `json:"description,omitempty"`
}

// NewRiskProfile returns the lazily created profile for a first-seen user.
func NewRiskProfile(appUserID string, now time.Time) RiskProfile {
	return RiskProfile{
		AppUserID:      appUserID,
		RiskLevel:      Normal,
		LastUpdateTime: now,
	}
}

// SensitiveTable is one registry entry.
type SensitiveTable struct {
	ID               int64   `json:"id"`
	TableName        string  `json:"tableName"`
	SensitivityLevel int     `json:"sensitivityLevel"`
	Coefficient      float64 `json:"coefficient"`
}

// AuditEvent is the immutable record of one evaluated event. FeedbackStatus
// is the only field that changes after creation.
type AuditEvent struct {
	TraceID        string         `json:"traceId"`
	AppUserID      string         `json:"appUserId"`
	SQLTemplate    string         `json:"sqlTemplate"`
	TableNames     []string       `json:"tableNames"`
	RiskScore      float64        `json:"riskScore"`
	ActionTaken    Action         `json:"actionTaken"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	CreateTime     time.Time      `json:"createTime"`
	ClientIP       string         `json:"clientIp,omitempty"`
	ExecutionTime  time.Duration  `json:"executionTime"`
	ResultCount    int            `json:"resultCount,omitempty"`
	RuleScore      float64        `json:"ruleScore"`
	MLScore        float64        `json:"mlScore"`
	MLFallback     bool           `json:"mlFallback,omitempty"`
	Description    string         `json:"description,omitempty"`
	FeedbackStatus FeedbackStatus `json:"feedbackStatus"`
}

// Page is one page of an ordered listing. Page numbers start at 1.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

// Paging bounds. MaxPage*MaxPageSize stays far below the int range, so
// offsets computed from normalized values cannot overflow.
const (
	DefaultPageSize = 20
	MaxPageSize     = 500
	MaxPage         = 1 << 20
)

// NormalizePage clamps page and size to usable values.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset is the number of rows before page. page and size must be normalized.
func Offset(page, size int) int { return (page - 1) * size }

// Paginate slices an already ordered list.
func Paginate[T any](all []T, page, size int) Page[T] {
	page, size = NormalizePage(page, size)
	p := Page[T]{Items: []T{}, Total: len(all), Page: page, Size: size}
	if page-1 >= (len(all)+size-1)/size {
		return p
	}
	start := Offset(page, size)
	if start >= len(all) {
		return p
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	p.Items = append(p.Items, all[start:end]...)
	return p
}

// TrendPoint is the aggregate risk contributed in one time slot.
type TrendPoint struct {
	Slot       time.Time `json:"timeSlot"`
	TotalScore float64   `json:"aggregateScore"`
	Events     int       `json:"events"`
}
