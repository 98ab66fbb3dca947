package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/internal/task"
)

func repoRef(id string, typ task.RepositoryType) task.RepositoryRef {
	return task.RepositoryRef{RepositoryID: id, Type: typ, Status: task.RepositoryStatusAssigned}
}

func TestGenerateCoordinationPhasesThreeGroups(t *testing.T) {
	phases := GenerateCoordinationPhases([]task.RepositoryRef{
		repoRef("svc-api", task.RepositoryTypeBackend),
		repoRef("web-app", task.RepositoryTypeFrontend),
		repoRef("deploy", task.RepositoryTypeInfrastructure),
	})
	require.Len(t, phases, 3)

	assert.Equal(t, GroupFoundation, phases[0].Name)
	assert.Equal(t, []string{"svc-api"}, phases[0].Repositories)
	assert.Empty(t, phases[0].Dependencies)

	assert.Equal(t, GroupClient, phases[1].Name)
	assert.Equal(t, []string{"web-app"}, phases[1].Repositories)
	assert.Equal(t, []string{GroupFoundation}, phases[1].Dependencies)

	assert.Equal(t, GroupInfrastructure, phases[2].Name)
	assert.Equal(t, []string{"deploy"}, phases[2].Repositories)
	assert.Equal(t, []string{GroupFoundation, GroupClient}, phases[2].Dependencies)
}

func TestGenerateCoordinationPhasesSkipsEmptyGroups(t *testing.T) {
	phases := GenerateCoordinationPhases([]task.RepositoryRef{
		repoRef("svc-api", task.RepositoryTypeAPI),
		repoRef("docs", task.RepositoryTypeDocs),
	})
	require.Len(t, phases, 2)

	// No client repositories, so infrastructure depends only on foundation.
	assert.Equal(t, GroupFoundation, phases[0].Name)
	assert.Equal(t, GroupInfrastructure, phases[1].Name)
	assert.Equal(t, []string{GroupFoundation}, phases[1].Dependencies)
}

func TestGenerateCoordinationPhasesUnknownTypeDefaultsToInfrastructure(t *testing.T) {
	phases := GenerateCoordinationPhases([]task.RepositoryRef{
		repoRef("mystery", task.RepositoryType("data-warehouse")),
	})
	require.Len(t, phases, 1)
	assert.Equal(t, GroupInfrastructure, phases[0].Name)
	assert.Equal(t, []string{"mystery"}, phases[0].Repositories)
}

func TestGenerateCoordinationPhasesDeterministic(t *testing.T) {
	repos := []task.RepositoryRef{
		repoRef("a", task.RepositoryTypeBackend),
		repoRef("b", task.RepositoryTypeMobile),
		repoRef("c", task.RepositoryTypeFrontend),
	}
	first := GenerateCoordinationPhases(repos)
	second := GenerateCoordinationPhases(repos)
	assert.Equal(t, first, second)
}

func TestValidateCoordinationPhases(t *testing.T) {
	phases := GenerateCoordinationPhases([]task.RepositoryRef{
		repoRef("svc-api", task.RepositoryTypeBackend),
		repoRef("web-app", task.RepositoryTypeFrontend),
		repoRef("deploy", task.RepositoryTypeInfrastructure),
	})
	assert.NoError(t, ValidateCoordinationPhases(phases))

	phases[0].Dependencies = []string{GroupInfrastructure}
	assert.Error(t, ValidateCoordinationPhases(phases), "mutual dependency must be rejected")
}
