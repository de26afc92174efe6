package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"aegis/pkg/models"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EmitterConfig names the Kafka destination for audit fan-out.
type EmitterConfig struct {
	Brokers []string
	Topic   string
}

// Emitter decorates a Logger, publishing every produced entry to a
// Kafka topic keyed by entry id. Publish failures propagate: audit
// delivery is part of the infrastructure contract.
type Emitter struct {
	next   Logger
	writer kafkaWriter
}

func NewEmitter(next Logger, cfg EmitterConfig) (*Emitter, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Emitter{next: next, writer: w}, nil
}

func (e *Emitter) LogAccessAttempt(ctx context.Context, payload AccessAttempt) (*models.AuditLogEntry, error) {
	entry, err := e.next.LogAccessAttempt(ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Emitter) LogPolicyViolation(ctx context.Context, payload PolicyViolation) (*models.AuditLogEntry, error) {
	entry, err := e.next.LogPolicyViolation(ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Emitter) LogEvidenceGeneration(ctx context.Context, payload EvidenceGeneration) (*models.AuditLogEntry, error) {
	entry, err := e.next.LogEvidenceGeneration(ctx, payload)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Emitter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}

func (e *Emitter) publish(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.ID),
		Value: raw,
	}); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}
