package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
	}
	if event.AppUserID != "" {
		fields = append(fields,
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*User:* %s", event.AppUserID)},
			map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Score:* %.2f", event.Score)},
		)
	}
	if event.FromLevel != "" || event.ToLevel != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Level:* %s → %s", event.FromLevel, event.ToLevel)})
	}
	if event.Sink != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Sink:* %s", event.Sink)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("deepaudit: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	subject := event.AppUserID
	if subject == "" {
		subject = event.Sink
	}
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("deepaudit %s: %s", event.Type, subject),
			"severity": severityFor(event),
			"source":   "deepaudit",
			"custom_details": map[string]any{
				"app_user_id": event.AppUserID,
				"from_level":  event.FromLevel,
				"to_level":    event.ToLevel,
				"score":       event.Score,
				"reason":      event.Reason,
				"trace_id":    event.TraceID,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event AlertEvent) string {
	switch {
	case event.Type == EventBlocked, event.ToLevel == "BLOCKED":
		return "critical"
	case event.Type == EventAuditDegraded:
		return "error"
	case event.Type == EventLevelChanged:
		return "warning"
	default:
		return "info"
	}
}
