package phase

import (
	"github.com/forgeops/pipeforge/internal/task"
)

// Coordination group names, applied in this fixed order.
const (
	GroupFoundation     = "Foundation"
	GroupClient         = "Client Development"
	GroupInfrastructure = "Infrastructure & Documentation"
)

var groupOrder = []string{GroupFoundation, GroupClient, GroupInfrastructure}

func groupFor(t task.RepositoryType) string {
	switch t {
	case task.RepositoryTypeBackend, task.RepositoryTypeAPI:
		return GroupFoundation
	case task.RepositoryTypeFrontend, task.RepositoryTypeMobile:
		return GroupClient
	case task.RepositoryTypeInfrastructure, task.RepositoryTypeDocs:
		return GroupInfrastructure
	default:
		return GroupInfrastructure
	}
}

// GenerateCoordinationPhases derives the ordered coordination phase list from
// repository types. Each phase depends on all phases before it, so groups run
// strictly in order. The result is deterministic for a given repository set.
//
// Generation happens once per task; repositories added later do not extend an
// existing list.
func GenerateCoordinationPhases(repos []task.RepositoryRef) []task.CoordinationPhase {
	byGroup := make(map[string][]string)
	for _, r := range repos {
		g := groupFor(r.Type)
		byGroup[g] = append(byGroup[g], r.RepositoryID)
	}

	var phases []task.CoordinationPhase
	var prior []string
	for _, name := range groupOrder {
		ids, ok := byGroup[name]
		if !ok {
			continue
		}
		deps := make([]string, len(prior))
		copy(deps, prior)
		phases = append(phases, task.CoordinationPhase{
			Name:         name,
			Repositories: ids,
			Dependencies: deps,
			Status:       task.PhaseStatusPending,
		})
		prior = append(prior, name)
	}
	return phases
}

// ValidateCoordinationPhases checks the generated list is a DAG with only
// known phase names as dependencies.
func ValidateCoordinationPhases(phases []task.CoordinationPhase) error {
	deps := make(map[string][]string, len(phases))
	for _, p := range phases {
		deps[p.Name] = p.Dependencies
	}
	_, err := validateDAG(deps)
	return err
}
