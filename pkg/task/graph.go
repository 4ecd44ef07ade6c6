package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats summarizes a graph's task states.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Graph is a labeled DAG over tasks. Acyclicity is enforced at
// insertion time. All methods are safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // insertion order, for stable iteration
	succ  map[string][]string

	Query    string
	Goal     string
	Strategy string

	now func() time.Time
}

// NewGraph returns an empty graph for the given query and goal.
func NewGraph(query, goal string) *Graph {
	return &Graph{
		tasks: make(map[string]*Task),
		succ:  make(map[string][]string),
		Query: query,
		Goal:  goal,
		now:   time.Now,
	}
}

// SetClock injects the time source used for state timestamps.
func (g *Graph) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Add inserts a task. Its prerequisites must already be present, the id
// must be new, and the resulting edges must not form a cycle.
func (g *Graph) Add(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	for _, p := range t.Prerequisites {
		if _, ok := g.tasks[p]; !ok {
			return fmt.Errorf("%w: %s needs %s", ErrUnknownPrereq, t.ID, p)
		}
	}
	// A back-edge exists iff some prerequisite is reachable FROM the new
	// task. The new task has no successors yet, so only self-references
	// can cycle here; the DFS guards future Link calls too.
	for _, p := range t.Prerequisites {
		if p == t.ID || g.reachableLocked(t.ID, p) {
			return fmt.Errorf("%w: %s → %s", ErrCycleDetected, t.ID, p)
		}
	}

	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	for _, p := range t.Prerequisites {
		g.succ[p] = append(g.succ[p], t.ID)
	}
	return nil
}

// Link adds a prerequisite edge from → to on existing tasks, rejecting
// edges that would introduce a cycle.
func (g *Graph) Link(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, from)
	}
	if _, ok := g.tasks[to]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, to)
	}
	if from == to || g.reachableLocked(to, from) {
		return fmt.Errorf("%w: %s → %s", ErrCycleDetected, from, to)
	}
	g.tasks[to].Prerequisites = append(g.tasks[to].Prerequisites, from)
	g.succ[from] = append(g.succ[from], to)
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following successor edges. Depth-first, iterative.
func (g *Graph) reachableLocked(start, target string) bool {
	stack := []string{start}
	seen := map[string]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.succ[n]...)
	}
	return false
}

// Remove deletes a task and its edges. Removing a task other tasks
// depend on is rejected.
func (g *Graph) Remove(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if len(g.succ[id]) > 0 {
		return fmt.Errorf("task: %s has dependents, cannot remove", id)
	}
	t := g.tasks[id]
	for _, p := range t.Prerequisites {
		g.succ[p] = removeString(g.succ[p], id)
	}
	delete(g.tasks, id)
	delete(g.succ, id)
	g.order = removeString(g.order, id)
	return nil
}

// Get returns a copy of the task by id.
func (g *Graph) Get(id string) (Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return *t, nil
}

// ReadyTasks promotes PENDING tasks whose prerequisites have all
// COMPLETED to READY and returns copies of every READY task, ordered by
// (priority, id).
func (g *Graph) ReadyTasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State == StatePending && g.prereqsDoneLocked(t) {
			if err := t.transition(StateReady, nil, g.now()); err != nil {
				continue
			}
		}
		if t.State == StateReady {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out
}

func (g *Graph) prereqsDoneLocked(t *Task) bool {
	for _, p := range t.Prerequisites {
		pre := g.tasks[p]
		if pre.State == StateCompleted {
			continue
		}
		if pre.Optional && pre.State.Terminal() {
			continue
		}
		return false
	}
	return true
}

// Demote moves a COMPLETED task back to FAILED after a verification
// failure, preserving the result and recording the reason.
func (g *Graph) Demote(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	result := t.Result
	if result == nil {
		result = &Result{}
	}
	result.Error = reason
	return t.transition(StateFailed, result, g.now())
}

// SetHints records the planner's parallelism hint and exclusive
// resource token for a task. Unknown ids are ignored.
func (g *Graph) SetHints(id string, parallelSafe bool, resource string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok {
		t.ParallelSafe = parallelSafe
		t.Resource = resource
	}
}

// Approve grants the approval flag on every task running the named
// action.
func (g *Graph) Approve(action string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		if t.Action == action {
			t.Approved = true
		}
	}
}

// Mark transitions a task. result is required for COMPLETED and FAILED
// and forbidden otherwise.
func (g *Graph) Mark(id string, state State, result *Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t.transition(state, result, g.now())
}

// SkipDependents marks every transitive successor of id that is still
// PENDING or READY as SKIPPED, honoring optional dependencies. Returns
// the skipped ids.
func (g *Graph) SkipDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	origin, ok := g.tasks[id]
	if !ok || origin.Optional {
		return nil
	}

	var skipped []string
	stack := append([]string(nil), g.succ[id]...)
	seen := map[string]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		t := g.tasks[n]
		if t.State == StatePending || t.State == StateReady {
			if err := t.transition(StateSkipped, nil, g.now()); err == nil {
				skipped = append(skipped, n)
				stack = append(stack, g.succ[n]...)
			}
		}
	}
	sort.Strings(skipped)
	return skipped
}

// Cancel transitions every PENDING, READY, and RUNNING task to
// CANCELLED and returns the affected ids.
func (g *Graph) Cancel() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var cancelled []string
	for _, id := range g.order {
		t := g.tasks[id]
		switch t.State {
		case StatePending, StateReady, StateRunning:
			if err := t.transition(StateCancelled, nil, g.now()); err == nil {
				cancelled = append(cancelled, id)
			}
		}
	}
	return cancelled
}

// TopoOrder returns a topological order via Kahn's algorithm.
// Ties are broken deterministically on (priority, id).
func (g *Graph) TopoOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	indeg := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		indeg[id] = len(g.tasks[id].Prerequisites)
	}

	var frontier []Task
	for _, id := range g.order {
		if indeg[id] == 0 {
			frontier = append(frontier, *g.tasks[id])
		}
	}
	sortTasks(frontier)

	out := make([]string, 0, len(g.tasks))
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		out = append(out, next.ID)
		for _, s := range g.succ[next.ID] {
			indeg[s]--
			if indeg[s] == 0 {
				frontier = append(frontier, *g.tasks[s])
				sortTasks(frontier)
			}
		}
	}
	if len(out) != len(g.tasks) {
		return nil, ErrCycleDetected
	}
	return out, nil
}

// Successors returns the ids of tasks depending on id.
func (g *Graph) Successors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.succ[id]...)
}

// Predecessors returns id's prerequisite ids.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	return append([]string(nil), t.Prerequisites...)
}

// Len returns the task count.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Depth returns the longest prerequisite chain length, counted in
// tasks. An empty graph has depth 0.
func (g *Graph) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	memo := make(map[string]int, len(g.tasks))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, p := range g.tasks[id].Prerequisites {
			if d := depth(p); d > best {
				best = d
			}
		}
		memo[id] = best + 1
		return best + 1
	}

	max := 0
	for _, id := range g.order {
		if d := depth(id); d > max {
			max = d
		}
	}
	return max
}

// Stats counts tasks per state.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.State {
		case StatePending:
			s.Pending++
		case StateReady:
			s.Ready++
		case StateRunning:
			s.Running++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateSkipped:
			s.Skipped++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Done reports whether every task is in a terminal state (counting
// FAILED with exhausted retries as terminal).
func (g *Graph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		switch t.State {
		case StateCompleted, StateSkipped, StateCancelled:
		case StateFailed:
			if t.Retryable() {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Priority.Rank() != ts[j].Priority.Rank() {
			return ts[i].Priority.Rank() < ts[j].Priority.Rank()
		}
		return ts[i].ID < ts[j].ID
	})
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
