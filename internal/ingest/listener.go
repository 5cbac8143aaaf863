// Package ingest consumes document upload events from Kafka and starts the
// document processing workflow for each uploaded document.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/temporal"
)

// Upload event outcomes recorded in metrics.
const (
	outcomeStarted = "started"
	outcomeInvalid = "invalid"
	outcomeFailed  = "failed"
)

const (
	startAttempts     = 3
	startRetryBackoff = time.Second
)

// DocumentUploadedEvent is published by the upload service once a document's
// content is stored.
type DocumentUploadedEvent struct {
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id"`
	DocumentID  string `json:"document_id"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// DocumentStarter queues a document for processing. *temporal.WorkflowManager implements it.
type DocumentStarter interface {
	StartDocument(ctx context.Context, ref temporal.DocumentRef) (*temporal.WorkflowHandle, error)
}

// messageReader is the subset of *kafka.Reader the listener uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds configuration for the upload listener.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic for upload events.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// ConfigFromSettings maps the service configuration section.
func ConfigFromSettings(cfg config.KafkaConfig) Config {
	return Config{Brokers: cfg.Brokers, Topic: cfg.Topic, GroupID: cfg.GroupID}
}

// Listener consumes upload events and starts document workflows. Offsets are
// committed after an event is handled, so a crash redelivers it; StartDocument
// is idempotent per document.
type Listener struct {
	reader  messageReader
	starter DocumentStarter
	metrics *observability.Metrics
	logger  zerolog.Logger
	backoff time.Duration
}

// NewListener creates a new upload event listener.
func NewListener(cfg Config, starter DocumentStarter, metrics *observability.Metrics, logger zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return newListener(reader, starter, metrics, logger)
}

func newListener(reader messageReader, starter DocumentStarter, metrics *observability.Metrics, logger zerolog.Logger) *Listener {
	return &Listener{
		reader:  reader,
		starter: starter,
		metrics: metrics,
		logger:  logger.With().Str("component", "upload_listener").Logger(),
		backoff: startRetryBackoff,
	}
}

// Run starts the listener loop. Blocks until context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting upload listener")

	for {
		msg, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("upload listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received upload event")

		outcome := l.handle(ctx, msg)
		if l.metrics != nil {
			l.metrics.RecordUploadEvent(outcome)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.reader.CommitMessages(ctx, msg); err != nil {
			l.logger.Error().Err(err).
				Int64("offset", msg.Offset).
				Msg("failed to commit upload event")
		}
	}
}

// handle starts processing for one event and returns its outcome.
func (l *Listener) handle(ctx context.Context, msg kafka.Message) string {
	var event DocumentUploadedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		l.logger.Error().Err(err).
			Str("raw_value", string(msg.Value)).
			Msg("failed to unmarshal upload event")
		return outcomeInvalid
	}
	if event.DocumentID == "" || event.UserID == "" {
		l.logger.Warn().
			Str("document_id", event.DocumentID).
			Str("user_id", event.UserID).
			Msg("upload event missing document or user id, skipping")
		return outcomeInvalid
	}

	ref := temporal.DocumentRef{TenantID: event.TenantID, UserID: event.UserID, DocumentID: event.DocumentID}
	var err error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		var handle *temporal.WorkflowHandle
		handle, err = l.starter.StartDocument(ctx, ref)
		if err == nil {
			l.logger.Info().
				Str("document_id", event.DocumentID).
				Str("workflow_id", handle.WorkflowID).
				Bool("created", handle.Created).
				Msg("document queued for processing")
			return outcomeStarted
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			break
		}

		l.logger.Warn().Err(err).
			Str("document_id", event.DocumentID).
			Int("attempt", attempt).
			Msg("failed to start document workflow")
		if attempt < startAttempts {
			select {
			case <-ctx.Done():
				return outcomeFailed
			case <-time.After(l.backoff * time.Duration(attempt)):
			}
		}
	}

	l.logger.Error().Err(err).
		Str("document_id", event.DocumentID).
		Str("user_id", event.UserID).
		Msg("giving up on upload event")
	return outcomeFailed
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing upload listener")
	return l.reader.Close()
}
