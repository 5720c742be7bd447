package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContext_ParamsOverrideDefaults(t *testing.T) {
	ec := NewExecutionContext(
		map[string]any{"env": "staging", "region": "eu-west-1"},
		map[string]any{"env": "production"},
	)

	env, ok := ec.Variable("env")
	require.True(t, ok)
	assert.Equal(t, "production", env)
	region, ok := ec.Variable("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", region)
}

func TestExecutionContext_Lookup(t *testing.T) {
	ec := NewExecutionContext(map[string]any{"env": "staging"}, nil)
	ec.CommitOutput("deploy", map[string]any{"exit_code": 0})

	v, ok := ec.Lookup("env")
	require.True(t, ok)
	assert.Equal(t, "staging", v)

	v, ok = ec.Lookup("deploy.exit_code")
	require.True(t, ok)
	assert.Equal(t, 0, v)

	_, ok = ec.Lookup("deploy.missing_field")
	assert.False(t, ok)
	_, ok = ec.Lookup("ghost.field")
	assert.False(t, ok)
	_, ok = ec.Lookup("ghost")
	assert.False(t, ok)
}

func TestExecutionContext_SnapshotRoundTrip(t *testing.T) {
	ec := NewExecutionContext(map[string]any{"env": "staging"}, nil)
	ec.SetVariable("attempt", 2)
	ec.CommitOutput("build", map[string]any{"artifact": "svc-1.2.3"})

	variables, outputs := ec.Snapshot()

	other := NewExecutionContext(nil, nil)
	other.restoreSnapshot(variables, outputs)

	v, _ := other.Variable("attempt")
	assert.Equal(t, 2, v)
	out, ok := other.Output("build")
	require.True(t, ok)
	assert.Equal(t, "svc-1.2.3", out["artifact"])

	// The snapshot is a copy, not a view.
	ec.SetVariable("env", "production")
	v, _ = other.Variable("env")
	assert.Equal(t, "staging", v)
}

func TestInstance_NewSeedsAllTasksPending(t *testing.T) {
	def := restorableDefinition()
	require.NoError(t, def.Validate())
	inst := NewInstance(def, nil, "alice")

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, StateDraft, inst.State())
	assert.Equal(t, "alice", inst.CreatedBy)
	for _, id := range []string{"A", "B", "C", "D"} {
		ts, ok := inst.TaskStateOf(id)
		require.True(t, ok)
		assert.Equal(t, TaskPending, ts.Status)
		assert.Zero(t, ts.Attempts)
	}
}

func TestInstance_DeriveState(t *testing.T) {
	def := restorableDefinition()
	require.NoError(t, def.Validate())
	inst := NewInstance(def, nil, "")

	assert.Equal(t, StateRunning, inst.DeriveState())

	for _, id := range []string{"A", "B", "C"} {
		inst.updateTask(id, func(ts *TaskState) { ts.Status = TaskCompleted })
	}
	inst.updateTask("D", func(ts *TaskState) { ts.Status = TaskSkipped })
	assert.Equal(t, StateCompleted, inst.DeriveState())

	inst.updateTask("D", func(ts *TaskState) { ts.Status = TaskFailed })
	assert.Equal(t, StateFailed, inst.DeriveState())
}

func TestEventBus_SequenceAndReplay(t *testing.T) {
	bus := NewEventBus(nil)
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: EventTaskStarted, InstanceID: "wf-1", TaskID: "t"})
	}
	bus.Publish(Event{Type: EventTaskStarted, InstanceID: "wf-2", TaskID: "t"})

	history := bus.History("wf-1")
	require.Len(t, history, 3)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	// Sequences are per instance.
	assert.Equal(t, int64(1), bus.History("wf-2")[0].Sequence)

	ch, cancel := bus.Subscribe("wf-1", true)
	defer cancel()
	for i := 0; i < 3; i++ {
		ev := <-ch
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	bus.Publish(Event{Type: EventTaskCompleted, InstanceID: "wf-1", TaskID: "t"})
	live := <-ch
	assert.Equal(t, EventTaskCompleted, live.Type)
	assert.Equal(t, int64(4), live.Sequence)
}

func TestEventBus_CancelStopsDelivery(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("wf-1", false)
	cancel()

	// Publishing after cancel must not panic or block.
	bus.Publish(Event{Type: EventTaskStarted, InstanceID: "wf-1"})
	_, open := <-ch
	assert.False(t, open)
}
