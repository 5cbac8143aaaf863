package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	orctemporal "github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/internal/temporal/activities"
)

func TestRegistrations_StartByTypeName(t *testing.T) {
	regs := Registrations(&activities.ChatActivities{}, &activities.DocumentActivities{}, &activities.EventActivities{})
	require.Len(t, regs.Workflows, 2)
	assert.Len(t, regs.Activities, 3)

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	regs.Register(env)

	log := &turnLog{}
	mockDocumentPipeline(env, log)

	env.ExecuteWorkflow(orctemporal.DocumentWorkflowType, newDocumentInput())

	result := documentResult(t, env)
	assert.Equal(t, 1, result.Ready)
}
