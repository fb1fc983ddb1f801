// Package messaging mirrors audit records and feedback labels to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Default topics.
const (
	DefaultAuditTopic    = "deepaudit.audit"
	DefaultFeedbackTopic = "deepaudit.feedback"
)

// Message type header values.
const (
	TypeDecision = "decision"
	TypeFeedback = "feedback"
)

// Config configures the producer.
type Config struct {
	Brokers       []string      `mapstructure:"brokers"`
	AuditTopic    string        `mapstructure:"audit_topic"`
	FeedbackTopic string        `mapstructure:"feedback_topic"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	Async         bool          `mapstructure:"async"`
}

// Writer is the subset of *kafka.Writer the mirror uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FeedbackMessage is the payload of a label message.
type FeedbackMessage struct {
	TraceID        string               `json:"traceId"`
	FeedbackStatus model.FeedbackStatus `json:"feedbackStatus"`
	LabelledAt     time.Time            `json:"labelledAt"`
}

// KafkaMirror implements audit.Sink and audit.FeedbackMirror. Decision
// messages are keyed by user so one user's events stay ordered within a
// partition; label messages are keyed by trace.
type KafkaMirror struct {
	writer        Writer
	auditTopic    string
	feedbackTopic string
	logger        *slog.Logger
}

// NewWriter builds the kafka-go writer for cfg.
func NewWriter(cfg Config) *kafka.Writer {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		BatchTimeout:           batch,
		Async:                  cfg.Async,
	}
}

// NewKafkaMirror wraps w. Empty topics fall back to the defaults.
func NewKafkaMirror(w Writer, cfg Config, logger *slog.Logger) *KafkaMirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &KafkaMirror{
		writer:        w,
		auditTopic:    cfg.AuditTopic,
		feedbackTopic: cfg.FeedbackTopic,
		logger:        logger,
	}
	if m.auditTopic == "" {
		m.auditTopic = DefaultAuditTopic
	}
	if m.feedbackTopic == "" {
		m.feedbackTopic = DefaultFeedbackTopic
	}
	return m
}

// Append publishes ev to the audit topic.
func (m *KafkaMirror) Append(ctx context.Context, ev model.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal audit event: %w", err)
	}
	return m.write(ctx, kafka.Message{
		Topic:   m.auditTopic,
		Key:     []byte(ev.AppUserID),
		Value:   data,
		Time:    ev.CreateTime,
		Headers: []kafka.Header{{Key: "type", Value: []byte(TypeDecision)}},
	})
}

// RecordFeedback publishes a label to the feedback topic.
func (m *KafkaMirror) RecordFeedback(ctx context.Context, traceID string, status model.FeedbackStatus, at time.Time) error {
	data, err := json.Marshal(FeedbackMessage{TraceID: traceID, FeedbackStatus: status, LabelledAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("messaging: marshal feedback: %w", err)
	}
	return m.write(ctx, kafka.Message{
		Topic:   m.feedbackTopic,
		Key:     []byte(traceID),
		Value:   data,
		Time:    at,
		Headers: []kafka.Header{{Key: "type", Value: []byte(TypeFeedback)}},
	})
}

func (m *KafkaMirror) write(ctx context.Context, msg kafka.Message) error {
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("messaging: write %s: %w", msg.Topic, err)
	}
	m.logger.Debug("kafka message sent", "topic", msg.Topic, "key", string(msg.Key))
	return nil
}

// Close closes the writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
