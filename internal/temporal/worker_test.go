package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/orchestration-service/internal/config"
)

type fakeRegistrar struct {
	workflows  []string
	activities int
	skipped    bool
}

func (f *fakeRegistrar) RegisterWorkflowWithOptions(_ interface{}, options workflow.RegisterOptions) {
	f.workflows = append(f.workflows, options.Name)
}

func (f *fakeRegistrar) RegisterActivityWithOptions(_ interface{}, options activity.RegisterOptions) {
	f.activities++
	f.skipped = options.SkipInvalidStructFunctions
}

type testActivities struct{}

func (testActivities) Ping(context.Context) error { return nil }

func testRegistrations() Registrations {
	return Registrations{
		Workflows: []WorkflowRegistration{
			{Name: SessionWorkflowType, Fn: func(workflow.Context) error { return nil }},
			{Name: DocumentWorkflowType, Fn: func(workflow.Context) error { return nil }},
		},
		Activities: []interface{}{&testActivities{}},
	}
}

func TestWorkerConfigFromSettings(t *testing.T) {
	cfg := WorkerConfigFromSettings(config.TemporalConfig{
		TaskQueue:                  "orchestration",
		MaxConcurrentActivities:    64,
		MaxConcurrentWorkflowTasks: 16,
	})

	assert.Equal(t, "orchestration", cfg.TaskQueue)
	assert.Equal(t, 64, cfg.MaxConcurrentActivityExecutionSize)
	assert.Equal(t, 16, cfg.MaxConcurrentWorkflowTaskExecutionSize)
	assert.Zero(t, cfg.MaxConcurrentActivityTaskPollers)
}

func TestRegistrations(t *testing.T) {
	t.Run("registers workflows under their type names", func(t *testing.T) {
		reg := &fakeRegistrar{}
		testRegistrations().Register(reg)

		assert.Equal(t, []string{SessionWorkflowType, DocumentWorkflowType}, reg.workflows)
		assert.Equal(t, 1, reg.activities)
		assert.True(t, reg.skipped)
	})

	t.Run("validates", func(t *testing.T) {
		assert.NoError(t, testRegistrations().validate())

		empty := Registrations{}
		assert.ErrorContains(t, empty.validate(), "at least one workflow")

		unnamed := testRegistrations()
		unnamed.Workflows[0].Name = ""
		assert.ErrorContains(t, unnamed.validate(), "needs a name")

		dup := testRegistrations()
		dup.Workflows[1].Name = SessionWorkflowType
		assert.ErrorContains(t, dup.validate(), "registered twice")

		nilActivity := testRegistrations()
		nilActivity.Activities = append(nilActivity.Activities, nil)
		assert.ErrorContains(t, nilActivity.validate(), "nil activity")
	})
}

func TestNewWorkerManager(t *testing.T) {
	t.Run("errors when task queue is empty", func(t *testing.T) {
		_, err := NewWorkerManager(nil, WorkerConfig{}, testRegistrations())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task queue is required")
	})

	t.Run("errors on invalid registrations", func(t *testing.T) {
		_, err := NewWorkerManager(nil, WorkerConfig{TaskQueue: "q"}, Registrations{})
		require.Error(t, err)
	})
}

func TestWorkerOptionsFromConfig(t *testing.T) {
	t.Run("zero values get defaults", func(t *testing.T) {
		opts := workerOptionsFromConfig(WorkerConfig{})

		assert.Equal(t, 100, opts.MaxConcurrentActivityExecutionSize)
		assert.Equal(t, 50, opts.MaxConcurrentWorkflowTaskExecutionSize)
		assert.Equal(t, 4, opts.MaxConcurrentActivityTaskPollers)
		assert.Equal(t, 2, opts.MaxConcurrentWorkflowTaskPollers)
	})

	t.Run("partial zero values get defaults selectively", func(t *testing.T) {
		cfg := WorkerConfig{
			MaxConcurrentActivityExecutionSize: 150,
			MaxConcurrentActivityTaskPollers:   6,
		}
		opts := workerOptionsFromConfig(cfg)

		assert.Equal(t, 150, opts.MaxConcurrentActivityExecutionSize)
		assert.Equal(t, 50, opts.MaxConcurrentWorkflowTaskExecutionSize)
		assert.Equal(t, 6, opts.MaxConcurrentActivityTaskPollers)
		assert.Equal(t, 2, opts.MaxConcurrentWorkflowTaskPollers)
	})
}

func TestInterruptOn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := interruptOn(ctx)

	select {
	case <-ch:
		t.Fatal("interrupt fired before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("interrupt did not fire after cancellation")
	}
}
