package directive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

func TestInjectAndRemove(t *testing.T) {
	o := &task.Orchestration{}
	now := time.Now()

	d := Inject(o, "use table-driven tests", 0, "", "", now)
	require.Len(t, o.PendingDirectives, 1)
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.Consumed)

	require.NoError(t, Remove(o, d.ID))
	assert.Empty(t, o.PendingDirectives)
}

func TestRemoveUnknownDirective(t *testing.T) {
	o := &task.Orchestration{}
	err := Remove(o, "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestConsumeMatchesTargetPhase(t *testing.T) {
	o := &task.Orchestration{}
	now := time.Now()
	Inject(o, "for planning", 0, "planning", "", now)
	Inject(o, "for verification", 0, "verification", "", now)

	consumed := Consume(o, "planning", "planner", now)
	require.Len(t, consumed, 1)
	assert.Equal(t, "for planning", consumed[0].Content)
	assert.True(t, consumed[0].Consumed)
	require.NotNil(t, consumed[0].ConsumedAt)

	// The non-matching directive stays pending indefinitely.
	require.Len(t, o.PendingDirectives, 1)
	assert.Equal(t, "for verification", o.PendingDirectives[0].Content)
	require.Len(t, o.DirectiveHistory, 1)
}

func TestConsumeMatchesTargetAgent(t *testing.T) {
	o := &task.Orchestration{}
	now := time.Now()
	Inject(o, "developer note", 0, "", "developer", now)

	consumed := Consume(o, "team-orchestration", "developer", now)
	require.Len(t, consumed, 1)
	assert.Equal(t, "developer note", consumed[0].Content)
}

func TestConsumeUntargetedMatchesEverything(t *testing.T) {
	o := &task.Orchestration{}
	now := time.Now()
	Inject(o, "always apply", 0, "", "", now)

	consumed := Consume(o, "evaluation", "evaluator", now)
	require.Len(t, consumed, 1)
	assert.Empty(t, o.PendingDirectives)
}

func TestConsumePriorityOrder(t *testing.T) {
	o := &task.Orchestration{}
	base := time.Now()
	Inject(o, "low", 1, "", "", base)
	Inject(o, "high", 5, "", "", base.Add(time.Second))
	Inject(o, "high but older", 5, "", "", base.Add(-time.Second))

	consumed := Consume(o, "planning", "planner", base.Add(time.Minute))
	require.Len(t, consumed, 3)
	assert.Equal(t, "high but older", consumed[0].Content)
	assert.Equal(t, "high", consumed[1].Content)
	assert.Equal(t, "low", consumed[2].Content)
}

func TestConsumeMovesToHistoryExactlyOnce(t *testing.T) {
	o := &task.Orchestration{}
	now := time.Now()
	Inject(o, "once", 0, "", "", now)

	first := Consume(o, "planning", "planner", now)
	require.Len(t, first, 1)
	second := Consume(o, "planning", "planner", now)
	assert.Empty(t, second)
	assert.Len(t, o.DirectiveHistory, 1)
}

func TestMergeContext(t *testing.T) {
	assert.Empty(t, MergeContext(nil))
	assert.Equal(t, "a\nb", MergeContext([]task.Directive{
		{Content: "a"},
		{Content: "b"},
	}))
}
