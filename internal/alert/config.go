package alert

// Event types.
const (
	EventBlocked       = "blocked"
	EventLevelChanged  = "level_changed"
	EventAuditDegraded = "audit_degraded"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"     mapstructure:"url"`
	Format  string            `yaml:"format"  json:"format"  mapstructure:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"  mapstructure:"events"` // ["blocked", "level_changed", "audit_degraded"]
	Headers map[string]string `yaml:"headers" json:"headers" mapstructure:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	AppUserID string  `json:"app_user_id,omitempty"`
	TraceID   string  `json:"trace_id,omitempty"`
	FromLevel string  `json:"from_level,omitempty"`
	ToLevel   string  `json:"to_level,omitempty"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	Sink      string  `json:"sink,omitempty"` // audit_degraded only
}
