package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the orchestration service.
// Metrics are organized by subsystem: sessions, workflows, events, streams,
// documents, upstream services and upload events. All collectors are registered
// via promauto with the default Prometheus registry.
type Metrics struct {
	// MessagesReceived counts chat messages accepted by the request path.
	MessagesReceived prometheus.Counter

	// MessagesDeduplicated counts chat messages whose persistence was a no-op replay.
	MessagesDeduplicated prometheus.Counter

	// ChatTurns counts chat turns by terminal status.
	ChatTurns *prometheus.CounterVec

	// ChatTurnDuration observes chat turn duration in seconds, labeled by status.
	ChatTurnDuration *prometheus.HistogramVec

	// WorkflowStarts counts workflow executions started, labeled by workflow type.
	WorkflowStarts *prometheus.CounterVec

	// WorkflowSignals counts signals sent to running workflows, labeled by workflow type and signal.
	WorkflowSignals *prometheus.CounterVec

	// WorkflowStartRaces counts concurrent creators absorbed into an existing run.
	WorkflowStartRaces *prometheus.CounterVec

	// WorkflowTerminations counts cancellation requests, labeled by workflow type.
	WorkflowTerminations *prometheus.CounterVec

	// EventsPublished counts events delivered to the broker, labeled by event type.
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts events dropped by the publisher, labeled by reason.
	EventsDropped *prometheus.CounterVec

	// PublishInFlight tracks publishes currently holding a gate slot.
	PublishInFlight prometheus.Gauge

	// PublishDuration observes broker round trip duration in seconds.
	PublishDuration prometheus.Histogram

	// StreamConnections tracks open client streams, labeled by stream kind.
	StreamConnections *prometheus.GaugeVec

	// StreamEventsSent counts events written to client streams, labeled by stream kind.
	StreamEventsSent *prometheus.CounterVec

	// DocumentStages counts document pipeline stage executions, labeled by stage and outcome.
	DocumentStages *prometheus.CounterVec

	// DocumentStageDuration observes stage duration in seconds, labeled by stage.
	DocumentStageDuration *prometheus.HistogramVec

	// QueueCompletions counts queue_complete notifications fired.
	QueueCompletions prometheus.Counter

	// UpstreamRequests counts HTTP requests to upstream services, labeled by service and endpoint.
	UpstreamRequests *prometheus.CounterVec

	// UpstreamRequestsFailed counts failed upstream requests, labeled by service, endpoint, and error type.
	UpstreamRequestsFailed *prometheus.CounterVec

	// UpstreamRequestDuration observes upstream request duration in seconds.
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamRateLimited counts rate-limited responses from upstream services, labeled by service.
	UpstreamRateLimited *prometheus.CounterVec

	// UploadEvents counts document upload events consumed, labeled by outcome.
	UploadEvents *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Sessions
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of chat messages accepted",
		}),
		MessagesDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deduplicated_total",
			Help:      "Total number of chat messages persisted as replays",
		}),
		ChatTurns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Total number of chat turns by status",
		}, []string{"status"}),
		ChatTurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_turn_duration_seconds",
			Help:      "Duration of chat turns in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		// Workflows
		WorkflowStarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_starts_total",
			Help:      "Total number of workflow executions started",
		}, []string{"workflow"}),
		WorkflowSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_signals_total",
			Help:      "Total number of signals sent to running workflows",
		}, []string{"workflow", "signal"}),
		WorkflowStartRaces: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_start_races_total",
			Help:      "Total number of concurrent starts absorbed into an existing run",
		}, []string{"workflow"}),
		WorkflowTerminations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_terminations_total",
			Help:      "Total number of workflow cancellation requests",
		}, []string{"workflow"}),

		// Events
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to the broker",
		}, []string{"type"}),
		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by the publisher",
		}, []string{"reason"}),
		PublishInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_in_flight",
			Help:      "Number of publishes currently in flight",
		}),
		PublishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Duration of broker publishes in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		// Streams
		StreamConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Number of open client streams",
		}, []string{"kind"}),
		StreamEventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_sent_total",
			Help:      "Total number of events written to client streams",
		}, []string{"kind"}),

		// Documents
		DocumentStages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_stages_total",
			Help:      "Total number of document pipeline stage executions",
		}, []string{"stage", "outcome"}),
		DocumentStageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "document_stage_duration_seconds",
			Help:      "Duration of document pipeline stages in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"stage"}),
		QueueCompletions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_completions_total",
			Help:      "Total number of document queue completion notifications",
		}),

		// Upstream services
		UpstreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of requests to upstream services",
		}, []string{"service", "endpoint"}),
		UpstreamRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_failed_total",
			Help:      "Total number of failed requests to upstream services",
		}, []string{"service", "endpoint", "error_type"}),
		UpstreamRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Duration of upstream requests in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service", "endpoint"}),
		UpstreamRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_rate_limited_total",
			Help:      "Total number of rate-limited upstream responses",
		}, []string{"service"}),

		// Upload events
		UploadEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_events_total",
			Help:      "Total number of document upload events consumed",
		}, []string{"outcome"}),
	}
}

// RecordMessageReceived records an accepted chat message.
func (m *Metrics) RecordMessageReceived() {
	m.MessagesReceived.Inc()
}

// RecordMessageDeduplicated records a replayed chat message.
func (m *Metrics) RecordMessageDeduplicated() {
	m.MessagesDeduplicated.Inc()
}

// RecordChatTurn records a finished chat turn.
func (m *Metrics) RecordChatTurn(status string, durationSeconds float64) {
	m.ChatTurns.WithLabelValues(status).Inc()
	m.ChatTurnDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordWorkflowStarted records a new workflow execution.
func (m *Metrics) RecordWorkflowStarted(workflow string) {
	m.WorkflowStarts.WithLabelValues(workflow).Inc()
}

// RecordWorkflowSignaled records a signal delivered to a running workflow.
func (m *Metrics) RecordWorkflowSignaled(workflow, signal string) {
	m.WorkflowSignals.WithLabelValues(workflow, signal).Inc()
}

// RecordWorkflowStartRace records a creator that lost the start race.
func (m *Metrics) RecordWorkflowStartRace(workflow string) {
	m.WorkflowStartRaces.WithLabelValues(workflow).Inc()
}

// RecordWorkflowTerminated records a cancellation request.
func (m *Metrics) RecordWorkflowTerminated(workflow string) {
	m.WorkflowTerminations.WithLabelValues(workflow).Inc()
}

// RecordEventPublished records a successful publish.
func (m *Metrics) RecordEventPublished(eventType string, durationSeconds float64) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
	m.PublishDuration.Observe(durationSeconds)
}

// RecordEventDropped records a dropped event.
func (m *Metrics) RecordEventDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// SetPublishInFlight records the number of publishes holding a gate slot.
func (m *Metrics) SetPublishInFlight(n int64) {
	m.PublishInFlight.Set(float64(n))
}

// RecordStreamOpened records a client stream opening.
func (m *Metrics) RecordStreamOpened(kind string) {
	m.StreamConnections.WithLabelValues(kind).Inc()
}

// RecordStreamClosed records a client stream closing.
func (m *Metrics) RecordStreamClosed(kind string) {
	m.StreamConnections.WithLabelValues(kind).Dec()
}

// RecordStreamEvent records an event written to a client stream.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventsSent.WithLabelValues(kind).Inc()
}

// RecordDocumentStage records a document pipeline stage execution.
func (m *Metrics) RecordDocumentStage(stage, outcome string, durationSeconds float64) {
	m.DocumentStages.WithLabelValues(stage, outcome).Inc()
	m.DocumentStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordQueueComplete records a fired queue completion.
func (m *Metrics) RecordQueueComplete() {
	m.QueueCompletions.Inc()
}

// RecordUpstreamRequest records a request to an upstream service.
func (m *Metrics) RecordUpstreamRequest(service, endpoint string, durationSeconds float64) {
	m.UpstreamRequests.WithLabelValues(service, endpoint).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service, endpoint).Observe(durationSeconds)
}

// RecordUpstreamRequestFailed records a failed request to an upstream service.
func (m *Metrics) RecordUpstreamRequestFailed(service, endpoint, errorType string) {
	m.UpstreamRequestsFailed.WithLabelValues(service, endpoint, errorType).Inc()
}

// RecordUpstreamRateLimited records a rate limit response from an upstream service.
func (m *Metrics) RecordUpstreamRateLimited(service string) {
	m.UpstreamRateLimited.WithLabelValues(service).Inc()
}

// RecordUploadEvent records a consumed upload event.
func (m *Metrics) RecordUploadEvent(outcome string) {
	m.UploadEvents.WithLabelValues(outcome).Inc()
}
