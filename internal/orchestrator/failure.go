package orchestrator

import (
	"github.com/forgeops/pipeforge/internal/repos"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// failureKind partitions phase execution failures by the coordinator's
// reaction.
type failureKind int

const (
	// failureRetryable is recorded on the phase step and left to the retry
	// sweep.
	failureRetryable failureKind = iota
	// failureBilling pauses the task with its outstanding work preserved.
	failureBilling
	// failureIntervention blocks one story until a human decides.
	failureIntervention
	// failureFatal terminates the task immediately.
	failureFatal
)

// classify maps a collaborator error to the coordinator's reaction. Billing
// and quota errors arrive as ResourceExhausted; irreconcilable
// source-control state as Aborted.
func classify(err error) failureKind {
	switch cerr.CodeOf(err) {
	case cerr.ResourceExhausted:
		return failureBilling
	case cerr.Aborted:
		return failureIntervention
	case cerr.InvalidArgument, cerr.FailedPrecondition:
		return failureFatal
	default:
		if repos.Classify(err) == repos.ClassIntervention {
			return failureIntervention
		}
		return failureRetryable
	}
}
