package task

// TeamStatus is the rolled-up status of all repositories within a task.
type TeamStatus string

const (
	TeamStatusAssigned   TeamStatus = "assigned"
	TeamStatusInProgress TeamStatus = "in-progress"
	TeamStatusBlocked    TeamStatus = "blocked"
	TeamStatusDone       TeamStatus = "done"
)

// AggregateRepositoryStatus rolls the repository statuses up into a single
// team status. It is a pure function of the status multiset and must be
// recomputed after every repository-status mutation, never hand-maintained.
//
// Precedence: all done → done; any blocked → blocked; any in-progress →
// in-progress; otherwise assigned.
func AggregateRepositoryStatus(repos []RepositoryRef) TeamStatus {
	if len(repos) == 0 {
		return TeamStatusAssigned
	}
	allDone := true
	anyBlocked := false
	anyInProgress := false
	for i := range repos {
		switch repos[i].Status {
		case RepositoryStatusDone:
		case RepositoryStatusBlocked:
			allDone = false
			anyBlocked = true
		case RepositoryStatusInProgress:
			allDone = false
			anyInProgress = true
		default:
			allDone = false
		}
	}
	switch {
	case allDone:
		return TeamStatusDone
	case anyBlocked:
		return TeamStatusBlocked
	case anyInProgress:
		return TeamStatusInProgress
	default:
		return TeamStatusAssigned
	}
}
