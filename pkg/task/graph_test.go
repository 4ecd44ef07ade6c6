package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph("q", "goal")
	require.NoError(t, g.Add(New("a", "A", "file_read", PriorityNormal)))
	require.NoError(t, g.Add(New("b", "B", "transform", PriorityNormal, "a")))
	require.NoError(t, g.Add(New("c", "C", "transform", PriorityHigh, "a")))
	require.NoError(t, g.Add(New("d", "D", "file_write", PriorityNormal, "b", "c")))
	return g
}

func complete(t *testing.T, g *Graph, id string) {
	t.Helper()
	require.NoError(t, g.Mark(id, StateRunning, nil))
	require.NoError(t, g.Mark(id, StateCompleted, &Result{Output: "ok"}))
}

func TestAdd_Validation(t *testing.T) {
	g := NewGraph("q", "goal")
	require.NoError(t, g.Add(New("a", "A", "noop", PriorityNormal)))

	assert.ErrorIs(t, g.Add(New("a", "A2", "noop", PriorityNormal)), ErrDuplicateTask)
	assert.ErrorIs(t, g.Add(New("b", "B", "noop", PriorityNormal, "missing")), ErrUnknownPrereq)
	assert.ErrorIs(t, g.Add(New("c", "C", "noop", PriorityNormal, "c")), ErrCycleDetected)
}

func TestLink_RejectsCycle(t *testing.T) {
	g := diamond(t)
	// d is downstream of a; a → d is fine, d → a closes a cycle.
	assert.ErrorIs(t, g.Link("d", "a"), ErrCycleDetected)
	assert.ErrorIs(t, g.Link("a", "a"), ErrCycleDetected)
	require.NoError(t, g.Link("a", "d"))
}

func TestReadyTasks_GatedOnPrereqs(t *testing.T) {
	g := diamond(t)

	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	complete(t, g, "a")
	ready = g.ReadyTasks()
	require.Len(t, ready, 2)
	// c is HIGH, b is NORMAL: priority orders the frontier.
	assert.Equal(t, "c", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)

	complete(t, g, "b")
	complete(t, g, "c")
	ready = g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID)
}

func TestTopoOrder_DeterministicTieBreak(t *testing.T) {
	g := diamond(t)
	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, order)
}

func TestStateMachine_IllegalTransitions(t *testing.T) {
	g := NewGraph("q", "goal")
	require.NoError(t, g.Add(New("a", "A", "noop", PriorityNormal)))

	// PENDING cannot run or complete directly.
	assert.ErrorIs(t, g.Mark("a", StateRunning, nil), ErrBadTransition)
	assert.ErrorIs(t, g.Mark("a", StateCompleted, &Result{}), ErrBadTransition)

	g.ReadyTasks()
	require.NoError(t, g.Mark("a", StateRunning, nil))
	// Result is mandatory for COMPLETED and FAILED.
	assert.ErrorIs(t, g.Mark("a", StateCompleted, nil), ErrResultState)
	require.NoError(t, g.Mark("a", StateFailed, &Result{Error: "boom"}))

	got, err := g.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.FailureReason)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRetry_ClearsFailureState(t *testing.T) {
	g := NewGraph("q", "goal")
	tk := New("a", "A", "noop", PriorityNormal)
	tk.MaxRetries = 2
	require.NoError(t, g.Add(tk))

	g.ReadyTasks()
	require.NoError(t, g.Mark("a", StateRunning, nil))
	require.NoError(t, g.Mark("a", StateFailed, &Result{Error: "timeout"}))

	got, _ := g.Get("a")
	assert.True(t, got.Retryable())

	require.NoError(t, g.Mark("a", StateReady, nil))
	got, _ = g.Get("a")
	assert.Nil(t, got.Result)
	assert.Empty(t, got.FailureReason)
}

func TestSkipDependents(t *testing.T) {
	g := diamond(t)
	g.ReadyTasks()
	require.NoError(t, g.Mark("a", StateRunning, nil))
	require.NoError(t, g.Mark("a", StateFailed, &Result{Error: "boom"}))

	skipped := g.SkipDependents("a")
	assert.Equal(t, []string{"b", "c", "d"}, skipped)
	assert.True(t, g.Done())
}

func TestSkipDependents_OptionalPrereq(t *testing.T) {
	g := NewGraph("q", "goal")
	opt := New("a", "A", "noop", PriorityNormal)
	opt.Optional = true
	require.NoError(t, g.Add(opt))
	require.NoError(t, g.Add(New("b", "B", "noop", PriorityNormal, "a")))

	g.ReadyTasks()
	require.NoError(t, g.Mark("a", StateRunning, nil))
	require.NoError(t, g.Mark("a", StateFailed, &Result{Error: "boom"}))

	assert.Empty(t, g.SkipDependents("a"))
	// b becomes ready despite a's failure.
	ready := g.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestCancel(t *testing.T) {
	g := diamond(t)
	g.ReadyTasks()
	require.NoError(t, g.Mark("a", StateRunning, nil))

	cancelled := g.Cancel()
	assert.Len(t, cancelled, 4)
	assert.True(t, g.Done())
	s := g.Stats()
	assert.Equal(t, 4, s.Cancelled)
}

func TestDepthAndStats(t *testing.T) {
	g := diamond(t)
	assert.Equal(t, 3, g.Depth())
	assert.Equal(t, 4, g.Stats().Total)
	assert.Equal(t, []string{"b", "c"}, g.Successors("a"))
	assert.Equal(t, []string{"b", "c"}, g.Predecessors("d"))
}

func TestRemove(t *testing.T) {
	g := diamond(t)
	assert.Error(t, g.Remove("a")) // has dependents
	require.NoError(t, g.Remove("d"))
	assert.Equal(t, 3, g.Len())
	assert.ErrorIs(t, g.Remove("missing"), ErrUnknownTask)
}
