package workflows

import (
	orctemporal "github.com/helixir/orchestration-service/internal/temporal"
	"github.com/helixir/orchestration-service/internal/temporal/activities"
)

// Registrations returns everything the orchestration worker serves. Workflows are
// registered under the type names the WorkflowManager starts them with.
func Registrations(chat *activities.ChatActivities, docs *activities.DocumentActivities, events *activities.EventActivities) orctemporal.Registrations {
	return orctemporal.Registrations{
		Workflows: []orctemporal.WorkflowRegistration{
			{Name: orctemporal.SessionWorkflowType, Fn: SessionWorkflow},
			{Name: orctemporal.DocumentWorkflowType, Fn: DocumentWorkflow},
		},
		Activities: []interface{}{chat, docs, events},
	}
}
