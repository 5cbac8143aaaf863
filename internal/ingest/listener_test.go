package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/temporal"
)

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) StartDocument(ctx context.Context, ref temporal.DocumentRef) (*temporal.WorkflowHandle, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*temporal.WorkflowHandle), args.Error(1)
}

// fakeReader serves queued messages, then blocks until the context ends.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	readErrs  []error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.readErrs) > 0 {
		err := r.readErrs[0]
		r.readErrs = r.readErrs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func eventMessage(t *testing.T, offset int64, event DocumentUploadedEvent) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// runUntilCommitted runs the listener until want offsets are committed.
func runUntilCommitted(t *testing.T, l *Listener, reader *fakeReader, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) >= want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestListener_StartsDocumentWorkflows(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		eventMessage(t, 1, DocumentUploadedEvent{TenantID: "tenant-1", UserID: "user-1", DocumentID: "doc-1"}),
		eventMessage(t, 2, DocumentUploadedEvent{TenantID: "tenant-1", UserID: "user-1", DocumentID: "doc-2"}),
	}}
	starter := new(mockStarter)
	starter.On("StartDocument", mock.Anything, temporal.DocumentRef{TenantID: "tenant-1", UserID: "user-1", DocumentID: "doc-1"}).
		Return(&temporal.WorkflowHandle{WorkflowID: "document-doc-1", Created: true}, nil)
	starter.On("StartDocument", mock.Anything, temporal.DocumentRef{TenantID: "tenant-1", UserID: "user-1", DocumentID: "doc-2"}).
		Return(&temporal.WorkflowHandle{WorkflowID: "document-doc-2"}, nil)

	metrics := observability.NewMetrics("test_ingest_started")
	runUntilCommitted(t, newListener(reader, starter, metrics, newTestLogger()), reader, 2)

	assert.Equal(t, []int64{1, 2}, reader.commits())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.UploadEvents.WithLabelValues(outcomeStarted)))
	starter.AssertExpectations(t)
}

func TestListener_SkipsInvalidEvents(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte("not json")},
		eventMessage(t, 2, DocumentUploadedEvent{UserID: "user-1"}),
	}}
	starter := new(mockStarter)

	metrics := observability.NewMetrics("test_ingest_invalid")
	runUntilCommitted(t, newListener(reader, starter, metrics, newTestLogger()), reader, 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.UploadEvents.WithLabelValues(outcomeInvalid)))
	starter.AssertNotCalled(t, "StartDocument", mock.Anything, mock.Anything)
}

func TestListener_RetriesTransientStartFailures(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		eventMessage(t, 7, DocumentUploadedEvent{UserID: "user-1", DocumentID: "doc-1"}),
	}}
	starter := new(mockStarter)
	starter.On("StartDocument", mock.Anything, mock.Anything).Return(nil, errors.New("temporal unavailable")).Once()
	starter.On("StartDocument", mock.Anything, mock.Anything).Return(&temporal.WorkflowHandle{WorkflowID: "document-doc-1"}, nil).Once()

	l := newListener(reader, starter, nil, newTestLogger())
	l.backoff = time.Millisecond
	runUntilCommitted(t, l, reader, 1)

	starter.AssertNumberOfCalls(t, "StartDocument", 2)
}

func TestListener_GivesUpAfterAttempts(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		eventMessage(t, 3, DocumentUploadedEvent{UserID: "user-1", DocumentID: "doc-1"}),
	}}
	starter := new(mockStarter)
	starter.On("StartDocument", mock.Anything, mock.Anything).Return(nil, errors.New("temporal unavailable"))

	metrics := observability.NewMetrics("test_ingest_failed")
	l := newListener(reader, starter, metrics, newTestLogger())
	l.backoff = time.Millisecond
	runUntilCommitted(t, l, reader, 1)

	starter.AssertNumberOfCalls(t, "StartDocument", startAttempts)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UploadEvents.WithLabelValues(outcomeFailed)))
}

func TestListener_DoesNotRetryValidationErrors(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		eventMessage(t, 4, DocumentUploadedEvent{UserID: "user-1", DocumentID: "doc-1"}),
	}}
	starter := new(mockStarter)
	starter.On("StartDocument", mock.Anything, mock.Anything).
		Return(nil, domain.NewValidationError("document", "document id and user id are required"))

	runUntilCommitted(t, newListener(reader, starter, nil, newTestLogger()), reader, 1)

	starter.AssertNumberOfCalls(t, "StartDocument", 1)
}

func TestListener_ContinuesAfterReadError(t *testing.T) {
	reader := &fakeReader{
		readErrs: []error{errors.New("broker connection reset")},
		messages: []kafka.Message{
			eventMessage(t, 9, DocumentUploadedEvent{UserID: "user-1", DocumentID: "doc-9"}),
		},
	}
	starter := new(mockStarter)
	starter.On("StartDocument", mock.Anything, mock.Anything).Return(&temporal.WorkflowHandle{WorkflowID: "document-doc-9"}, nil)

	runUntilCommitted(t, newListener(reader, starter, nil, newTestLogger()), reader, 1)

	assert.Equal(t, []int64{9}, reader.commits())
}

func TestListener_Close(t *testing.T) {
	reader := &fakeReader{}
	require.NoError(t, newListener(reader, new(mockStarter), nil, newTestLogger()).Close())
	assert.True(t, reader.closed)
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.KafkaConfig{
		Enabled: true,
		Brokers: []string{"kafka:9092"},
		Topic:   "documents.uploaded",
		GroupID: "orchestrator",
	})

	assert.Equal(t, Config{Brokers: []string{"kafka:9092"}, Topic: "documents.uploaded", GroupID: "orchestrator"}, cfg)
}
