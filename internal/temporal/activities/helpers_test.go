package activities

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/helixir/orchestration-service/internal/agent"
	"github.com/helixir/orchestration-service/internal/config"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/events"
	"github.com/helixir/orchestration-service/internal/qdrant"
)

// ---------------------------------------------------------------------------
// Event sink
// ---------------------------------------------------------------------------

// recordingSink stores published events per topic.
type recordingSink struct {
	mu     sync.Mutex
	topics map[string][]domain.StreamEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, topic string, event domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.topics == nil {
		s.topics = make(map[string][]domain.StreamEvent)
	}
	s.topics[topic] = append(s.topics[topic], event)
	return nil
}

func (s *recordingSink) events(topic string) []domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamEvent(nil), s.topics[topic]...)
}

func (s *recordingSink) types(topic string) []domain.EventType {
	var out []domain.EventType
	for _, e := range s.events(topic) {
		out = append(out, e.Type)
	}
	return out
}

func newTestEmitter(t *testing.T) (*events.Publisher, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p := events.NewPublisher(sink, config.PublisherConfig{MaxInFlight: 8, PublishTimeout: time.Second}, nil, zerolog.Nop())
	return p, sink
}

// ---------------------------------------------------------------------------
// Cancel flags
// ---------------------------------------------------------------------------

type fakeCancels struct {
	mu    sync.Mutex
	flags map[string]bool
	// trip sets the flag on the nth IsRequested call (1-based) when > 0.
	trip  int
	calls int
}

func newFakeCancels() *fakeCancels {
	return &fakeCancels{flags: make(map[string]bool)}
}

func (f *fakeCancels) set(scope string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[scope] = true
}

func (f *fakeCancels) IsRequested(_ context.Context, scope string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.trip > 0 && f.calls >= f.trip {
		f.flags[scope] = true
	}
	return f.flags[scope], nil
}

func (f *fakeCancels) Clear(_ context.Context, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, scope)
	f.trip = 0
	return nil
}

func (f *fakeCancels) isSet(scope string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[scope]
}

// ---------------------------------------------------------------------------
// Mock: SessionRepository
// ---------------------------------------------------------------------------

type mockSessionRepository struct {
	mock.Mock
}

func (m *mockSessionRepository) Ensure(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	args := m.Called(ctx, session)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *mockSessionRepository) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *mockSessionRepository) RecordWorkflow(ctx context.Context, ref domain.SessionWorkflowRef) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *mockSessionRepository) ListWorkflowRefs(ctx context.Context, userID string) ([]domain.SessionWorkflowRef, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.SessionWorkflowRef), args.Error(1)
}

func (m *mockSessionRepository) Delete(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// ---------------------------------------------------------------------------
// Fake: MessageRepository
// ---------------------------------------------------------------------------

// memoryMessages is an in-memory MessageRepository keyed like the real unique index.
type memoryMessages struct {
	mu       sync.Mutex
	messages []*domain.Message
	// missingSession makes every Save fail as if the session were deleted.
	missingSession bool
}

func (r *memoryMessages) Save(_ context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missingSession {
		return nil, false, domain.NewNotFoundError("session", msg.SessionID)
	}
	for _, m := range r.messages {
		if m.SessionID == msg.SessionID && m.Role == msg.Role && m.DedupKey == msg.DedupKey {
			return m, false, nil
		}
	}
	stored := *msg
	stored.CreatedAt = time.Now()
	r.messages = append(r.messages, &stored)
	return &stored, true, nil
}

func (r *memoryMessages) FindByDedupKey(_ context.Context, sessionID string, role domain.MessageRole, dedupKey string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.SessionID == sessionID && m.Role == role && m.DedupKey == dedupKey {
			return m, nil
		}
	}
	return nil, domain.NewNotFoundError("message", dedupKey)
}

func (r *memoryMessages) ListRecent(_ context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *memoryMessages) byRole(role domain.MessageRole) []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Fake: agent engine
// ---------------------------------------------------------------------------

type fakeEngine struct {
	mu      sync.Mutex
	runs    []agent.RunRequest
	resumes []agent.ResumeRequest
	events  []agent.Event
	outcome *agent.Outcome
	err     error
}

func (e *fakeEngine) Run(_ context.Context, req agent.RunRequest, onEvent agent.EventHandler) (*agent.Outcome, error) {
	e.mu.Lock()
	e.runs = append(e.runs, req)
	e.mu.Unlock()
	return e.play(onEvent)
}

func (e *fakeEngine) Resume(_ context.Context, req agent.ResumeRequest, onEvent agent.EventHandler) (*agent.Outcome, error) {
	e.mu.Lock()
	e.resumes = append(e.resumes, req)
	e.mu.Unlock()
	return e.play(onEvent)
}

func (e *fakeEngine) play(onEvent agent.EventHandler) (*agent.Outcome, error) {
	for _, evt := range e.events {
		if err := onEvent(evt); err != nil {
			return nil, err
		}
	}
	return e.outcome, e.err
}

func (e *fakeEngine) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func newTestRegistry(t *testing.T, engine agent.Engine) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(agent.KindConversational)
	if err := reg.Register(agent.KindConversational, engine); err != nil {
		t.Fatal(err)
	}
	return reg
}

// ---------------------------------------------------------------------------
// Mock: DocumentRepository and ChunkRepository
// ---------------------------------------------------------------------------

type mockDocumentRepository struct {
	mock.Mock
}

func (m *mockDocumentRepository) Create(ctx context.Context, doc *domain.Document, content []byte) error {
	args := m.Called(ctx, doc, content)
	return args.Error(0)
}

func (m *mockDocumentRepository) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *mockDocumentRepository) GetContent(ctx context.Context, documentID string) (*domain.DocumentContent, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DocumentContent), args.Error(1)
}

func (m *mockDocumentRepository) MarkQueued(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

func (m *mockDocumentRepository) UpdateStatus(ctx context.Context, documentID string, status domain.DocumentStatus) error {
	args := m.Called(ctx, documentID, status)
	return args.Error(0)
}

func (m *mockDocumentRepository) SaveExtractedText(ctx context.Context, documentID, text string) error {
	args := m.Called(ctx, documentID, text)
	return args.Error(0)
}

func (m *mockDocumentRepository) GetExtractedText(ctx context.Context, documentID string) (string, error) {
	args := m.Called(ctx, documentID)
	return args.String(0), args.Error(1)
}

func (m *mockDocumentRepository) MarkReady(ctx context.Context, documentID string, chunkCount int) error {
	args := m.Called(ctx, documentID, chunkCount)
	return args.Error(0)
}

func (m *mockDocumentRepository) MarkFailed(ctx context.Context, documentID, message string) error {
	args := m.Called(ctx, documentID, message)
	return args.Error(0)
}

func (m *mockDocumentRepository) ClaimQueueCompletion(ctx context.Context, userID string) (*domain.QueueCompletion, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.QueueCompletion), args.Error(1)
}

type mockChunkRepository struct {
	mock.Mock
}

func (m *mockChunkRepository) ReplaceChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	args := m.Called(ctx, documentID, chunks)
	return args.Error(0)
}

func (m *mockChunkRepository) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Chunk), args.Error(1)
}

func (m *mockChunkRepository) SaveEmbeddings(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	args := m.Called(ctx, documentID, chunks)
	return args.Error(0)
}

// ---------------------------------------------------------------------------
// Fakes: extraction, splitting, embedding, vectors
// ---------------------------------------------------------------------------

type extractorFunc func(*domain.DocumentContent) (string, error)

func (f extractorFunc) Extract(c *domain.DocumentContent) (string, error) { return f(c) }

type splitterFunc func(documentID, text string) ([]domain.Chunk, error)

func (f splitterFunc) Split(documentID, text string) ([]domain.Chunk, error) {
	return f(documentID, text)
}

type fakeEmbedder struct {
	mu        sync.Mutex
	batchSize int
	calls     [][]string
	err       error
}

func (e *fakeEmbedder) BatchSize() int { return e.batchSize }

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, append([]string(nil), texts...))
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

type fakeVectorStore struct {
	mu      sync.Mutex
	ops     []string
	points  []qdrant.ChunkPoint
	failErr error
}

func (v *fakeVectorStore) EnsureCollection(context.Context) error { return nil }

func (v *fakeVectorStore) UpsertChunks(_ context.Context, points []qdrant.ChunkPoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failErr != nil {
		return v.failErr
	}
	v.ops = append(v.ops, "upsert")
	v.points = append(v.points, points...)
	return nil
}

func (v *fakeVectorStore) DeleteDocument(_ context.Context, documentID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ops = append(v.ops, "delete:"+documentID)
	return nil
}

func (v *fakeVectorStore) Close() error { return nil }
