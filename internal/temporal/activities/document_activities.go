package activities

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/helixir/orchestration-service/internal/broker"
	"github.com/helixir/orchestration-service/internal/domain"
	"github.com/helixir/orchestration-service/internal/embedding"
	"github.com/helixir/orchestration-service/internal/observability"
	"github.com/helixir/orchestration-service/internal/qdrant"
	"github.com/helixir/orchestration-service/internal/repository"
)

// upsertBatchSize is the number of points sent to the vector store per request.
const upsertBatchSize = 100

// defaultHeartbeatInterval paces heartbeats while a single long call runs.
// It must stay well under the stage heartbeat timeout.
const defaultHeartbeatInterval = 10 * time.Second

// ExtractText heartbeat details.
const (
	extractPhaseLoad  = "load"
	extractPhaseParse = "extract"
	extractPhaseSave  = "save"
)

// Stage outcomes recorded in metrics.
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeDeleted   = "deleted"
	outcomeCancelled = "cancelled"
	outcomeRetry     = "retry"
)

// TextExtractor turns raw document bytes into plain text. *extract.Extractor implements it.
type TextExtractor interface {
	Extract(content *domain.DocumentContent) (string, error)
}

// TextSplitter splits extracted text into chunks. *chunking.Chunker implements it.
// Text too large to index completely is rejected with an error wrapping
// domain.ErrInvalidInput.
type TextSplitter interface {
	Split(documentID, text string) ([]domain.Chunk, error)
}

// DocumentActivities provides the Temporal activities of the document pipeline.
// Methods on this struct are registered as Temporal activities via the worker.
type DocumentActivities struct {
	documents repository.DocumentRepository
	chunks    repository.ChunkRepository
	extractor TextExtractor
	splitter  TextSplitter
	embedder  embedding.Embedder
	vectors   qdrant.VectorStore
	events    EventEmitter
	cancels   CancelChecker
	metrics   *observability.Metrics

	heartbeatEvery time.Duration
}

// DocumentDeps groups the dependencies of DocumentActivities.
type DocumentDeps struct {
	Documents repository.DocumentRepository
	Chunks    repository.ChunkRepository
	Extractor TextExtractor
	Splitter  TextSplitter
	Embedder  embedding.Embedder
	Vectors   qdrant.VectorStore
	Events    EventEmitter
	// Cancels and Metrics may be nil.
	Cancels CancelChecker
	Metrics *observability.Metrics
}

// NewDocumentActivities creates a new DocumentActivities instance.
func NewDocumentActivities(deps DocumentDeps) *DocumentActivities {
	return &DocumentActivities{
		documents: deps.Documents,
		chunks:    deps.Chunks,
		extractor: deps.Extractor,
		splitter:  deps.Splitter,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		events:    deps.Events,
		cancels:   deps.Cancels,
		metrics:   deps.Metrics,

		heartbeatEvery: defaultHeartbeatInterval,
	}
}

// heartbeatDuring runs fn while heartbeating details every interval. It returns
// once fn has returned and the heartbeat goroutine has stopped.
func heartbeatDuring(ctx context.Context, interval time.Duration, details interface{}, fn func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, details)
			}
		}
	}()

	fn()
	close(done)
	wg.Wait()
}

// MarkQueued resets the document to queued and re-arms the user's completion notice.
func (a *DocumentActivities) MarkQueued(ctx context.Context, input DocumentInput) (*StageResult, error) {
	start := time.Now()
	if res := a.checkCancelled(ctx, domain.StageQueue, input, start); res != nil {
		return res, nil
	}

	if err := a.documents.MarkQueued(ctx, input.DocumentID); err != nil {
		return a.stageError(ctx, domain.StageQueue, input, start, fmt.Errorf("mark queued: %w", err))
	}

	a.publishStatus(ctx, input, domain.DocumentStatusQueued, nil)
	return a.succeeded(domain.StageQueue, start, &StageResult{Success: true, Status: domain.DocumentStatusQueued}), nil
}

// ExtractText extracts plain text from the stored document bytes.
// Unsupported or empty documents produce a failed result rather than an error.
func (a *DocumentActivities) ExtractText(ctx context.Context, input DocumentInput) (*StageResult, error) {
	logger := activity.GetLogger(ctx)
	start := time.Now()
	if res := a.begin(ctx, domain.StageExtract, input, start); res != nil {
		return res, nil
	}

	activity.RecordHeartbeat(ctx, extractPhaseLoad)
	content, err := a.documents.GetContent(ctx, input.DocumentID)
	if err != nil {
		return a.stageError(ctx, domain.StageExtract, input, start, fmt.Errorf("load document content: %w", err))
	}

	var text string
	heartbeatDuring(ctx, a.heartbeatEvery, extractPhaseParse, func() {
		text, err = a.extractor.Extract(content)
	})
	if err != nil {
		return a.stageError(ctx, domain.StageExtract, input, start, fmt.Errorf("extract text from %s: %w", content.Filename, err))
	}

	activity.RecordHeartbeat(ctx, extractPhaseSave)
	if err := a.documents.SaveExtractedText(ctx, input.DocumentID, text); err != nil {
		return a.stageError(ctx, domain.StageExtract, input, start, fmt.Errorf("save extracted text: %w", err))
	}

	logger.Info("text extracted",
		"documentID", input.DocumentID,
		"mimeType", content.MimeType,
		"characters", len(text),
	)
	return a.succeeded(domain.StageExtract, start, &StageResult{Success: true, Status: domain.DocumentStatusExtracting}), nil
}

// ChunkText splits the extracted text and replaces the document's chunks.
func (a *DocumentActivities) ChunkText(ctx context.Context, input DocumentInput) (*StageResult, error) {
	start := time.Now()
	if res := a.begin(ctx, domain.StageChunk, input, start); res != nil {
		return res, nil
	}

	text, err := a.documents.GetExtractedText(ctx, input.DocumentID)
	if err != nil {
		return a.stageError(ctx, domain.StageChunk, input, start, fmt.Errorf("load extracted text: %w", err))
	}

	chunks, err := a.splitter.Split(input.DocumentID, text)
	if err != nil {
		return a.stageError(ctx, domain.StageChunk, input, start, err)
	}
	if len(chunks) == 0 {
		return a.stageError(ctx, domain.StageChunk, input, start, fmt.Errorf("chunk text: %w", domain.ErrEmptyContent))
	}

	if err := a.chunks.ReplaceChunks(ctx, input.DocumentID, chunks); err != nil {
		return a.stageError(ctx, domain.StageChunk, input, start, fmt.Errorf("store chunks: %w", err))
	}

	activity.GetLogger(ctx).Info("text chunked", "documentID", input.DocumentID, "chunks", len(chunks))
	return a.succeeded(domain.StageChunk, start, &StageResult{
		Success:    true,
		Status:     domain.DocumentStatusChunking,
		ChunkCount: len(chunks),
	}), nil
}

// EmbedChunks embeds the document's chunks in batches.
//
// Progress is heartbeated as the number of chunks handled, and chunks that already
// carry an embedding are skipped, so a retried attempt resumes where the last one
// stopped.
func (a *DocumentActivities) EmbedChunks(ctx context.Context, input DocumentInput) (*StageResult, error) {
	logger := activity.GetLogger(ctx)
	start := time.Now()
	if res := a.begin(ctx, domain.StageEmbed, input, start); res != nil {
		return res, nil
	}

	chunks, err := a.chunks.ListChunks(ctx, input.DocumentID)
	if err != nil {
		return a.stageError(ctx, domain.StageEmbed, input, start, fmt.Errorf("list chunks: %w", err))
	}

	resumeFrom := 0
	if activity.HasHeartbeatDetails(ctx) {
		if err := activity.GetHeartbeatDetails(ctx, &resumeFrom); err != nil {
			resumeFrom = 0
		}
		logger.Info("resuming embedding", "documentID", input.DocumentID, "from", resumeFrom)
	}
	if resumeFrom > len(chunks) {
		resumeFrom = len(chunks)
	}

	batchSize := a.embedder.BatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	embedded := 0
	for offset := resumeFrom; offset < len(chunks); offset += batchSize {
		if res := a.checkCancelled(ctx, domain.StageEmbed, input, start); res != nil {
			return res, nil
		}

		end := offset + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		pending := make([]domain.Chunk, 0, end-offset)
		texts := make([]string, 0, end-offset)
		for _, c := range chunks[offset:end] {
			if len(c.Embedding) > 0 {
				continue
			}
			pending = append(pending, c)
			texts = append(texts, c.Content)
		}

		if len(pending) > 0 {
			vectors, err := a.embedder.Embed(ctx, texts)
			if err != nil {
				return a.stageError(ctx, domain.StageEmbed, input, start, fmt.Errorf("embed chunks %d-%d: %w", offset, end, err))
			}
			for i := range pending {
				pending[i].Embedding = vectors[i]
			}
			if err := a.chunks.SaveEmbeddings(ctx, input.DocumentID, pending); err != nil {
				return a.stageError(ctx, domain.StageEmbed, input, start, fmt.Errorf("save embeddings: %w", err))
			}
			embedded += len(pending)
		}

		activity.RecordHeartbeat(ctx, end)
	}

	logger.Info("chunks embedded",
		"documentID", input.DocumentID,
		"chunks", len(chunks),
		"embedded", embedded,
	)
	return a.succeeded(domain.StageEmbed, start, &StageResult{
		Success:    true,
		Status:     domain.DocumentStatusEmbedding,
		ChunkCount: len(chunks),
	}), nil
}

// UpsertVectors replaces the document's points in the vector store.
func (a *DocumentActivities) UpsertVectors(ctx context.Context, input DocumentInput) (*StageResult, error) {
	start := time.Now()
	if res := a.begin(ctx, domain.StageIndex, input, start); res != nil {
		return res, nil
	}

	chunks, err := a.chunks.ListChunks(ctx, input.DocumentID)
	if err != nil {
		return a.stageError(ctx, domain.StageIndex, input, start, fmt.Errorf("list chunks: %w", err))
	}

	points := make([]qdrant.ChunkPoint, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return a.stageError(ctx, domain.StageIndex, input, start,
				domain.NewValidationError("chunks", fmt.Sprintf("chunk %d has no embedding", c.Index)))
		}
		points = append(points, qdrant.ChunkPoint{
			ChunkID:    c.ID,
			DocumentID: input.DocumentID,
			UserID:     input.UserID,
			TenantID:   input.TenantID,
			Index:      c.Index,
			Content:    c.Content,
			Embedding:  c.Embedding,
		})
	}

	if err := a.vectors.DeleteDocument(ctx, input.DocumentID); err != nil {
		return a.stageError(ctx, domain.StageIndex, input, start, fmt.Errorf("clear previous vectors: %w", err))
	}

	for offset := 0; offset < len(points); offset += upsertBatchSize {
		end := offset + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := a.vectors.UpsertChunks(ctx, points[offset:end]); err != nil {
			return a.stageError(ctx, domain.StageIndex, input, start, fmt.Errorf("upsert vectors: %w", err))
		}
		activity.RecordHeartbeat(ctx, end)
	}

	activity.GetLogger(ctx).Info("vectors indexed", "documentID", input.DocumentID, "points", len(points))
	return a.succeeded(domain.StageIndex, start, &StageResult{
		Success:    true,
		Status:     domain.DocumentStatusIndexing,
		ChunkCount: len(points),
	}), nil
}

// MarkReady finalizes the document with its chunk count.
func (a *DocumentActivities) MarkReady(ctx context.Context, input MarkReadyInput) (*StageResult, error) {
	start := time.Now()

	if err := a.documents.MarkReady(ctx, input.DocumentID, input.ChunkCount); err != nil {
		return a.stageError(ctx, domain.StageReady, input.DocumentInput, start, fmt.Errorf("mark ready: %w", err))
	}

	a.publishStatus(ctx, input.DocumentInput, domain.DocumentStatusReady, map[string]interface{}{
		"chunk_count": input.ChunkCount,
	})
	return a.succeeded(domain.StageReady, start, &StageResult{
		Success:    true,
		Status:     domain.DocumentStatusReady,
		ChunkCount: input.ChunkCount,
	}), nil
}

// MarkFailed records a failed stage on the document and announces it.
func (a *DocumentActivities) MarkFailed(ctx context.Context, input MarkFailedInput) (*StageResult, error) {
	logger := activity.GetLogger(ctx)

	message := input.Error
	if message == "" {
		message = "processing failed"
	}

	err := a.documents.MarkFailed(ctx, input.DocumentID, message)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("document deleted before failure was recorded", "documentID", input.DocumentID)
		return &StageResult{DocumentDeleted: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	logger.Info("document marked failed",
		"documentID", input.DocumentID,
		"stage", input.Stage,
		"error", message,
	)
	a.publishStatus(ctx, input.DocumentInput, domain.DocumentStatusFailed, map[string]interface{}{
		"stage": string(input.Stage),
		"error": message,
	})
	return &StageResult{Status: domain.DocumentStatusFailed, Error: message}, nil
}

// CheckQueueComplete claims the user's completion notice and publishes queue_complete
// when every document is terminal. Exactly one caller per batch publishes.
func (a *DocumentActivities) CheckQueueComplete(ctx context.Context, input QueueCheckInput) (*CompletionResult, error) {
	logger := activity.GetLogger(ctx)

	completion, err := a.documents.ClaimQueueCompletion(ctx, input.UserID)
	if err != nil {
		return nil, fmt.Errorf("claim queue completion: %w", err)
	}

	result := &CompletionResult{
		Complete: completion.Pending == 0,
		Ready:    completion.Ready,
		Failed:   completion.Failed,
		Pending:  completion.Pending,
	}
	if !completion.Claimed {
		return result, nil
	}

	event := domain.NewStreamEvent(domain.EventQueueComplete, map[string]interface{}{
		"ready":  completion.Ready,
		"failed": completion.Failed,
	})
	if err := a.events.Publish(ctx, domain.DocumentsTopic(input.TenantID, input.UserID), event); err != nil {
		logger.Warn("failed to publish queue completion", "userID", input.UserID, "error", err)
	} else {
		result.Notified = true
	}

	if a.metrics != nil {
		a.metrics.RecordQueueComplete()
	}
	logger.Info("document queue complete",
		"userID", input.UserID,
		"ready", completion.Ready,
		"failed", completion.Failed,
	)
	return result, nil
}

// begin checks for cancellation, then records and announces the stage status.
func (a *DocumentActivities) begin(ctx context.Context, stage domain.DocumentStage, input DocumentInput, start time.Time) *StageResult {
	if res := a.checkCancelled(ctx, stage, input, start); res != nil {
		return res
	}

	status := stage.Status()
	if err := a.documents.UpdateStatus(ctx, input.DocumentID, status); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.observe(stage, outcomeDeleted, start)
			return &StageResult{DocumentDeleted: true}
		}
		// The status column is informational; the stage itself decides the outcome.
		activity.GetLogger(ctx).Warn("failed to update document status",
			"documentID", input.DocumentID,
			"status", status,
			"error", err,
		)
	}
	a.publishStatus(ctx, input, status, nil)
	return nil
}

func (a *DocumentActivities) checkCancelled(ctx context.Context, stage domain.DocumentStage, input DocumentInput, start time.Time) *StageResult {
	if a.cancels == nil {
		return nil
	}
	requested, err := a.cancels.IsRequested(ctx, broker.DocumentScope(input.DocumentID))
	if err != nil {
		activity.GetLogger(ctx).Warn("cancel flag unavailable", "documentID", input.DocumentID, "error", err)
		return nil
	}
	if !requested {
		return nil
	}

	activity.GetLogger(ctx).Info("document processing cancelled", "documentID", input.DocumentID, "stage", stage)
	if err := a.cancels.Clear(ctx, broker.DocumentScope(input.DocumentID)); err != nil {
		activity.GetLogger(ctx).Warn("failed to clear cancel flag", "documentID", input.DocumentID, "error", err)
	}
	a.observe(stage, outcomeCancelled, start)
	return &StageResult{Cancelled: true, Error: "processing cancelled"}
}

// stageError turns a stage failure into a result or a retryable error.
// A deleted document and permanent failures become results; anything else is retried.
func (a *DocumentActivities) stageError(ctx context.Context, stage domain.DocumentStage, input DocumentInput, start time.Time, err error) (*StageResult, error) {
	logger := activity.GetLogger(ctx)

	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("document deleted mid-pipeline", "documentID", input.DocumentID, "stage", stage)
		a.observe(stage, outcomeDeleted, start)
		return &StageResult{DocumentDeleted: true}, nil
	}

	if isPermanent(err) {
		logger.Error("document stage failed",
			"documentID", input.DocumentID,
			"stage", stage,
			"error", err,
		)
		a.observe(stage, outcomeFailed, start)
		return &StageResult{Status: stage.Status(), Error: failureMessage(stage, err)}, nil
	}

	logger.Warn("document stage failed, will retry",
		"documentID", input.DocumentID,
		"stage", stage,
		"error", err,
	)
	a.observe(stage, outcomeRetry, start)
	return nil, classify(err)
}

func (a *DocumentActivities) succeeded(stage domain.DocumentStage, start time.Time, res *StageResult) *StageResult {
	a.observe(stage, outcomeSuccess, start)
	return res
}

func (a *DocumentActivities) observe(stage domain.DocumentStage, outcome string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordDocumentStage(string(stage), outcome, time.Since(start).Seconds())
	}
}

// publishStatus announces a status change on the user's document topic. Failures are logged.
func (a *DocumentActivities) publishStatus(ctx context.Context, input DocumentInput, status domain.DocumentStatus, extra map[string]interface{}) {
	data := map[string]interface{}{
		"document_id": input.DocumentID,
		"status":      string(status),
	}
	for k, v := range extra {
		data[k] = v
	}

	event := domain.NewStreamEvent(domain.EventStatusUpdate, data)
	if err := a.events.Publish(ctx, domain.DocumentsTopic(input.TenantID, input.UserID), event); err != nil {
		activity.GetLogger(ctx).Warn("failed to publish document status",
			"documentID", input.DocumentID,
			"status", status,
			"error", err,
		)
	}
}

// failureMessage is the user-visible reason stored on a failed document.
func failureMessage(stage domain.DocumentStage, err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyContent):
		return "document contains no extractable text"
	case errors.Is(err, domain.ErrUnsupportedContent):
		return "document type is not supported"
	case errors.Is(err, domain.ErrInvalidInput):
		return fmt.Sprintf("%s stage rejected the document: %v", stage, err)
	}
	return fmt.Sprintf("%s stage failed: %v", stage, err)
}
