package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/orchestration-service/internal/config"
)

// Worker defaults applied to zero-valued WorkerConfig fields.
const (
	defaultMaxConcurrentActivities    = 100
	defaultMaxConcurrentWorkflowTasks = 50
	defaultActivityTaskPollers        = 4
	defaultWorkflowTaskPollers        = 2
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// TaskQueue is the name of the task queue to poll.
	TaskQueue string

	// MaxConcurrentActivityExecutionSize is the maximum concurrent activity executions.
	// Default: 100
	MaxConcurrentActivityExecutionSize int

	// MaxConcurrentWorkflowTaskExecutionSize is the maximum concurrent workflow task executions.
	// Default: 50
	MaxConcurrentWorkflowTaskExecutionSize int

	// MaxConcurrentActivityTaskPollers is the number of activity task pollers.
	// Default: 4
	MaxConcurrentActivityTaskPollers int

	// MaxConcurrentWorkflowTaskPollers is the number of workflow task pollers.
	// Default: 2
	MaxConcurrentWorkflowTaskPollers int
}

// WorkerConfigFromSettings maps the service configuration section.
func WorkerConfigFromSettings(cfg config.TemporalConfig) WorkerConfig {
	return WorkerConfig{
		TaskQueue:                              cfg.TaskQueue,
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentWorkflowTasks,
	}
}

// WorkflowRegistration binds a workflow function to the type name clients start
// it under.
type WorkflowRegistration struct {
	Name string
	Fn   interface{}
}

// Registrations lists the workflows and activity structs a worker serves. The
// workflows package assembles it, which keeps this package free of workflow code.
type Registrations struct {
	Workflows  []WorkflowRegistration
	Activities []interface{}
}

// WorkerManager manages the lifecycle of a Temporal worker.
type WorkerManager struct {
	worker    worker.Worker
	taskQueue string
	workflows []string
}

// workerOptionsFromConfig builds worker.Options from WorkerConfig, applying defaults
// for any zero-valued fields.
func workerOptionsFromConfig(config WorkerConfig) worker.Options {
	options := worker.Options{
		MaxConcurrentActivityExecutionSize:     config.MaxConcurrentActivityExecutionSize,
		MaxConcurrentWorkflowTaskExecutionSize: config.MaxConcurrentWorkflowTaskExecutionSize,
		MaxConcurrentActivityTaskPollers:       config.MaxConcurrentActivityTaskPollers,
		MaxConcurrentWorkflowTaskPollers:       config.MaxConcurrentWorkflowTaskPollers,
	}

	if options.MaxConcurrentActivityExecutionSize == 0 {
		options.MaxConcurrentActivityExecutionSize = defaultMaxConcurrentActivities
	}
	if options.MaxConcurrentWorkflowTaskExecutionSize == 0 {
		options.MaxConcurrentWorkflowTaskExecutionSize = defaultMaxConcurrentWorkflowTasks
	}
	if options.MaxConcurrentActivityTaskPollers == 0 {
		options.MaxConcurrentActivityTaskPollers = defaultActivityTaskPollers
	}
	if options.MaxConcurrentWorkflowTaskPollers == 0 {
		options.MaxConcurrentWorkflowTaskPollers = defaultWorkflowTaskPollers
	}

	return options
}

// NewWorkerManager creates a worker polling config.TaskQueue and registers regs on it.
func NewWorkerManager(c client.Client, config WorkerConfig, regs Registrations) (*WorkerManager, error) {
	if config.TaskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}
	if err := regs.validate(); err != nil {
		return nil, err
	}

	w := worker.New(c, config.TaskQueue, workerOptionsFromConfig(config))
	m := &WorkerManager{worker: w, taskQueue: config.TaskQueue}
	regs.Register(w)
	for _, wf := range regs.Workflows {
		m.workflows = append(m.workflows, wf.Name)
	}
	return m, nil
}

func (r Registrations) validate() error {
	if len(r.Workflows) == 0 {
		return fmt.Errorf("at least one workflow is required")
	}
	seen := make(map[string]struct{}, len(r.Workflows))
	for _, wf := range r.Workflows {
		if wf.Name == "" || wf.Fn == nil {
			return fmt.Errorf("workflow registration needs a name and a function")
		}
		if _, dup := seen[wf.Name]; dup {
			return fmt.Errorf("workflow %q registered twice", wf.Name)
		}
		seen[wf.Name] = struct{}{}
	}
	for _, a := range r.Activities {
		if a == nil {
			return fmt.Errorf("nil activity registration")
		}
	}
	return nil
}

// Registrar is satisfied by worker.Worker and the SDK test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register registers the workflows under their type names and the activity structs.
func (r Registrations) Register(reg Registrar) {
	for _, wf := range r.Workflows {
		reg.RegisterWorkflowWithOptions(wf.Fn, workflow.RegisterOptions{Name: wf.Name})
	}
	for _, a := range r.Activities {
		reg.RegisterActivityWithOptions(a, activity.RegisterOptions{SkipInvalidStructFunctions: true})
	}
}

// Worker returns the underlying Temporal worker.
func (m *WorkerManager) Worker() worker.Worker {
	return m.worker
}

// TaskQueue returns the configured task queue name.
func (m *WorkerManager) TaskQueue() string {
	return m.taskQueue
}

// Workflows returns the registered workflow type names.
func (m *WorkerManager) Workflows() []string {
	return append([]string(nil), m.workflows...)
}

// Start runs the worker and blocks until ctx is cancelled or the worker fails.
func (m *WorkerManager) Start(ctx context.Context) error {
	return StartWorker(ctx, m.worker)
}

// Stop stops the worker gracefully.
func (m *WorkerManager) Stop() {
	m.worker.Stop()
}

// StartWorker runs w until ctx is cancelled or the worker fails. Run stops the
// worker itself once the interrupt channel fires.
func StartWorker(ctx context.Context, w worker.Worker) error {
	if err := w.Run(interruptOn(ctx)); err != nil {
		return err
	}
	return ctx.Err()
}

// interruptOn adapts ctx to the interrupt channel worker.Run expects.
func interruptOn(ctx context.Context) <-chan interface{} {
	ch := make(chan interface{}, 1)
	go func() {
		<-ctx.Done()
		ch <- struct{}{}
	}()
	return ch
}
