package repos

import (
	"strings"

	"github.com/forgeops/pipeforge/pkg/cerr"
)

// FailureClass partitions repository-service failures by how the coordinator
// reacts to them.
type FailureClass int

const (
	// ClassRetryable failures are recorded and deferred to the retry sweep.
	ClassRetryable FailureClass = iota
	// ClassIntervention failures need a human decision for one story.
	ClassIntervention
)

// Classify decides whether a repository-service error can be retried or
// needs a human. Merge conflicts and irreconcilable branch state route to
// intervention; transient transport failures retry.
func Classify(err error) FailureClass {
	if cerr.IsCode(err, cerr.Aborted) {
		return ClassIntervention
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"merge conflict", "conflict", "non-fast-forward", "diverged", "irreconcilable"} {
		if strings.Contains(msg, marker) {
			return ClassIntervention
		}
	}
	return ClassRetryable
}

// NewMergeConflictError builds the typed error a Service implementation
// returns when a merge cannot proceed automatically.
func NewMergeConflictError(err error) error {
	return cerr.NewError(cerr.Aborted, "merge conflict", err)
}
