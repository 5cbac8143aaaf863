package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/orchestration-service/internal/domain"
	orctemporal "github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/internal/temporal/activities"
)

// SignalAddDocument is re-exported from the parent temporal package.
const SignalAddDocument = orctemporal.SignalAddDocument

// Document stage timeouts. Extraction gets the longest budget. Stages that can
// run for minutes heartbeat.
const (
	extractTimeout = 30 * time.Minute
	chunkTimeout   = 2 * time.Minute
	embedTimeout   = 15 * time.Minute
	indexTimeout   = 5 * time.Minute
	stageHeartbeat = time.Minute
)

const cancelledMessage = "processing cancelled"

type (
	DocumentWorkflowInput = orctemporal.DocumentWorkflowInput
	DocumentQueueEntry    = orctemporal.DocumentQueueEntry
)

// Per-entry outcomes.
const (
	documentReady     = "ready"
	documentFailed    = "failed"
	documentDeleted   = "deleted"
	documentCancelled = "cancelled"
)

// DocumentWorkflowResult summarizes the entries a document workflow processed.
type DocumentWorkflowResult struct {
	DocumentID string
	Processed  int
	Ready      int
	Failed     int
	Deleted    int
	Cancelled  int
}

func (r *DocumentWorkflowResult) count(outcome string) {
	r.Processed++
	switch outcome {
	case documentReady:
		r.Ready++
	case documentFailed:
		r.Failed++
	case documentDeleted:
		r.Deleted++
	case documentCancelled:
		r.Cancelled++
	}
}

// documentStage binds a pipeline stage to its activity and options.
type documentStage struct {
	stage    domain.DocumentStage
	ctx      workflow.Context
	activity interface{}
}

// DocumentWorkflow runs the processing pipeline for queued documents.
//
// The queue is seeded with the input document; add_document_signal appends more
// entries. Each entry runs MarkQueued, ExtractText, ChunkText, EmbedChunks,
// UpsertVectors and MarkReady. A failed stage marks the document FAILED. The
// user's queue completion check runs after every terminal transition. Once the
// queue drains the workflow waits ReprocessWait for another signal before it
// completes. If the workflow is cancelled mid-pipeline the current document is
// marked FAILED through a disconnected context.
func DocumentWorkflow(ctx workflow.Context, input DocumentWorkflowInput) (*DocumentWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)

	wait := input.ReprocessWait
	if wait <= 0 {
		wait = orctemporal.DefaultReprocessWait
	}

	result := &DocumentWorkflowResult{DocumentID: input.DocumentID}
	queue := []DocumentQueueEntry{{DocumentID: input.DocumentID, UserID: input.UserID}}

	enqueue := func(entry DocumentQueueEntry) {
		if entry.DocumentID == "" {
			logger.Warn("ignoring queue entry without document id")
			return
		}
		if entry.UserID == "" {
			entry.UserID = input.UserID
		}
		for _, q := range queue {
			if q == entry {
				logger.Info("document already queued", "documentID", entry.DocumentID)
				return
			}
		}
		queue = append(queue, entry)
	}

	addCh := workflow.GetSignalChannel(ctx, SignalAddDocument)
	workflow.Go(ctx, func(gCtx workflow.Context) {
		for {
			var entry DocumentQueueEntry
			if !addCh.Receive(gCtx, &entry) {
				return
			}
			enqueue(entry)
		}
	})

	var docAct *activities.DocumentActivities
	stages := []documentStage{
		{domain.StageQueue, statusContext(ctx), docAct.MarkQueued},
		{domain.StageExtract, stageContext(ctx, extractTimeout, stageHeartbeat), docAct.ExtractText},
		{domain.StageChunk, stageContext(ctx, chunkTimeout, 0), docAct.ChunkText},
		{domain.StageEmbed, stageContext(ctx, embedTimeout, stageHeartbeat), docAct.EmbedChunks},
		{domain.StageIndex, stageContext(ctx, indexTimeout, stageHeartbeat), docAct.UpsertVectors},
	}

	for {
		for len(queue) > 0 {
			entry := queue[0]
			queue = queue[1:]

			if entry.DocumentID != input.DocumentID {
				logger.Warn("queue entry names a different document, processing it anyway",
					"workflowDocumentID", input.DocumentID,
					"entryDocumentID", entry.DocumentID,
				)
			}

			outcome, err := runDocumentPipeline(ctx, logger, stages, activities.DocumentInput{
				DocumentID: entry.DocumentID,
				UserID:     entry.UserID,
				TenantID:   input.TenantID,
			})
			if err != nil {
				return nil, err
			}
			result.count(outcome)
		}

		ok, err := workflow.AwaitWithTimeout(ctx, wait, func() bool { return len(queue) > 0 })
		if err != nil {
			if temporal.IsCanceledError(err) {
				logger.Info("document workflow cancelled while idle", "documentID", input.DocumentID)
			}
			return nil, err
		}
		if ok {
			continue
		}

		for {
			var entry DocumentQueueEntry
			if !addCh.ReceiveAsync(&entry) {
				break
			}
			enqueue(entry)
		}
		if len(queue) == 0 {
			break
		}
	}

	logger.Info("document workflow completed",
		"documentID", input.DocumentID,
		"processed", result.Processed,
		"ready", result.Ready,
		"failed", result.Failed,
	)
	return result, nil
}

// runDocumentPipeline processes one queue entry and returns its outcome. The only
// error it returns is workflow cancellation, after the document has been marked failed.
func runDocumentPipeline(ctx workflow.Context, logger log.Logger, stages []documentStage, input activities.DocumentInput) (string, error) {
	var docAct *activities.DocumentActivities
	logger.Info("processing document", "documentID", input.DocumentID)

	chunkCount := 0
	for _, st := range stages {
		var res activities.StageResult
		err := workflow.ExecuteActivity(st.ctx, st.activity, input).Get(ctx, &res)
		switch {
		case err != nil && temporal.IsCanceledError(err):
			return documentCancelled, abandonDocument(ctx, logger, input, st.stage, err)

		case err != nil:
			return failDocument(ctx, logger, input, st.stage, stageFailureMessage(st.stage, err)), nil

		case res.DocumentDeleted:
			logger.Info("document deleted mid-pipeline", "documentID", input.DocumentID, "stage", st.stage)
			checkQueueComplete(ctx, input)
			return documentDeleted, nil

		case res.Cancelled:
			failDocument(ctx, logger, input, st.stage, cancelledMessage)
			return documentCancelled, nil

		case !res.Success:
			return failDocument(ctx, logger, input, st.stage, res.Error), nil
		}

		if res.ChunkCount > 0 {
			chunkCount = res.ChunkCount
		}
	}

	var res activities.StageResult
	err := workflow.ExecuteActivity(finalizeContext(ctx), docAct.MarkReady, activities.MarkReadyInput{
		DocumentInput: input,
		ChunkCount:    chunkCount,
	}).Get(ctx, &res)
	switch {
	case err != nil && temporal.IsCanceledError(err):
		return documentCancelled, abandonDocument(ctx, logger, input, domain.StageReady, err)
	case err != nil:
		return failDocument(ctx, logger, input, domain.StageReady, stageFailureMessage(domain.StageReady, err)), nil
	case res.DocumentDeleted:
		checkQueueComplete(ctx, input)
		return documentDeleted, nil
	}

	logger.Info("document ready", "documentID", input.DocumentID, "chunks", chunkCount)
	checkQueueComplete(ctx, input)
	return documentReady, nil
}

// failDocument marks the document failed and runs the completion check.
func failDocument(ctx workflow.Context, logger log.Logger, input activities.DocumentInput, stage domain.DocumentStage, message string) string {
	var docAct *activities.DocumentActivities
	logger.Warn("document stage failed", "documentID", input.DocumentID, "stage", stage, "error", message)

	err := workflow.ExecuteActivity(finalizeContext(ctx), docAct.MarkFailed, activities.MarkFailedInput{
		DocumentInput: input,
		Stage:         stage,
		Error:         message,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("failed to mark document failed", "documentID", input.DocumentID, "error", err)
	}

	checkQueueComplete(ctx, input)
	return documentFailed
}

// abandonDocument marks the document failed after workflow cancellation and
// returns the cancellation error.
func abandonDocument(ctx workflow.Context, logger log.Logger, input activities.DocumentInput, stage domain.DocumentStage, cause error) error {
	logger.Info("document workflow cancelled mid-pipeline", "documentID", input.DocumentID, "stage", stage)

	disconnected, _ := workflow.NewDisconnectedContext(ctx)
	failDocument(disconnected, logger, input, stage, cancelledMessage)
	return cause
}

func checkQueueComplete(ctx workflow.Context, input activities.DocumentInput) {
	var docAct *activities.DocumentActivities
	var res activities.CompletionResult

	err := workflow.ExecuteActivity(finalizeContext(ctx), docAct.CheckQueueComplete, activities.QueueCheckInput{
		UserID:   input.UserID,
		TenantID: input.TenantID,
	}).Get(ctx, &res)
	if err != nil {
		workflow.GetLogger(ctx).Error("queue completion check failed", "userID", input.UserID, "error", err)
		return
	}
	if res.Notified {
		workflow.GetLogger(ctx).Info("document queue complete", "userID", input.UserID, "ready", res.Ready, "failed", res.Failed)
	}
}

// stageFailureMessage is the visible reason for a stage whose retries ran out.
func stageFailureMessage(stage domain.DocumentStage, err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return string(stage) + " stage failed: " + appErr.Message()
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return string(stage) + " stage timed out"
	}
	return string(stage) + " stage failed: " + err.Error()
}

// statusContext runs status-only activities once.
func statusContext(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: statusActivityTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
}

// finalizeContext runs the terminal transitions and the completion check, which
// the completion fan-in depends on, with a few retries.
func finalizeContext(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: statusActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Second,
			MaximumAttempts:    3,
		},
	})
}

func stageContext(ctx workflow.Context, timeout, heartbeat time.Duration) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    1 * time.Minute,
			MaximumAttempts:    3,
		},
	})
}
