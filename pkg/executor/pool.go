package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tillerlabs/tiller/pkg/task"
)

// deque is one worker's ready-task queue. The owner pops from the
// head, which holds the highest-priority work; thieves steal from the
// tail, so a stolen task never outranks what the owner still holds.
type deque struct {
	mu    sync.Mutex
	items []task.Task
}

func (d *deque) push(t task.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, t)
	sort.SliceStable(d.items, func(i, j int) bool {
		if d.items[i].Priority.Rank() != d.items[j].Priority.Rank() {
			return d.items[i].Priority.Rank() < d.items[j].Priority.Rank()
		}
		return d.items[i].ID < d.items[j].ID
	})
}

func (d *deque) popHead() (task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return task.Task{}, false
	}
	t := d.items[0]
	d.items = d.items[1:]
	return t, true
}

func (d *deque) stealTail() (task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return task.Task{}, false
	}
	t := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return t, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// parallelRun is the state of one parallel execution.
type parallelRun struct {
	ex     *Executor
	graph  *task.Graph
	deques []*deque
	tokens *tokenSet

	// work carries one token per queued task; a woken worker is
	// guaranteed to find a task in some deque.
	work   chan struct{}
	notify chan struct{}

	mu       sync.Mutex
	queued   map[string]bool
	inflight int
	busy     time.Duration
	failure  error

	retries sync.WaitGroup
	workers sync.WaitGroup
}

func (e *Executor) runParallel(ctx context.Context, g *task.Graph) (time.Duration, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &parallelRun{
		ex:     e,
		graph:  g,
		tokens: newTokenSet(),
		work:   make(chan struct{}, e.cfg.QueueSize+e.cfg.MaxWorkers),
		notify: make(chan struct{}, 1),
		queued: make(map[string]bool),
	}
	// Without stealing the workers share one central queue.
	dequeCount := e.cfg.MaxWorkers
	if e.cfg.DisableWorkStealing {
		dequeCount = 1
	}
	for i := 0; i < dequeCount; i++ {
		r.deques = append(r.deques, &deque{})
	}

	r.workers.Add(e.cfg.MaxWorkers)
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		go r.worker(ctx, i)
	}

	err := r.coordinate(ctx)
	cancel()
	r.workers.Wait()
	r.retries.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		err = r.failure
	}
	return r.busy, err
}

// coordinate feeds newly ready tasks into worker deques until the
// graph finishes or the run fails.
func (r *parallelRun) coordinate(ctx context.Context) error {
	for {
		ready := r.graph.ReadyTasks()

		r.mu.Lock()
		var fresh []task.Task
		for _, t := range ready {
			if !r.queued[t.ID] {
				fresh = append(fresh, t)
			}
		}
		depth := len(r.queued) - r.inflightLockedCount()
		if depth+len(fresh) > r.ex.cfg.QueueSize {
			r.mu.Unlock()
			r.ex.cancelGraph(r.graph, "ready queue overflow")
			return ErrOverfanOut
		}
		for _, t := range fresh {
			r.queued[t.ID] = true
		}
		r.mu.Unlock()

		// Shortest deque wins each task, spreading the frontier.
		for _, t := range fresh {
			r.shortest().push(t)
			r.work <- struct{}{}
			r.ex.metrics.queueDepth(ctx, 1)
		}

		if r.graph.Done() {
			return nil
		}
		r.mu.Lock()
		failed := r.failure
		r.mu.Unlock()
		if failed != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			r.ex.cancelGraph(r.graph, "context cancelled")
			return ctx.Err()
		case <-r.notify:
		}
	}
}

// inflightLockedCount is the number of queued ids currently executing.
func (r *parallelRun) inflightLockedCount() int {
	return r.inflight
}

func (r *parallelRun) shortest() *deque {
	best := r.deques[0]
	for _, d := range r.deques[1:] {
		if d.len() < best.len() {
			best = d
		}
	}
	return best
}

func (r *parallelRun) worker(ctx context.Context, idx int) {
	defer r.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.work:
		}

		t, ok := r.take(idx)
		if !ok {
			continue
		}
		r.ex.metrics.queueDepth(ctx, -1)

		r.mu.Lock()
		r.inflight++
		r.mu.Unlock()

		elapsed, failure := r.ex.runOne(ctx, r.graph, t, r.tokens)

		r.mu.Lock()
		r.inflight--
		r.busy += elapsed
		delete(r.queued, t.ID)
		if failure != nil && r.failure == nil {
			r.failure = failure
		}
		r.mu.Unlock()

		r.maybeRetry(ctx, t.ID)
		r.wake()
	}
}

// take pops the worker's own head, then steals from the tail of the
// busiest other deque.
func (r *parallelRun) take(idx int) (task.Task, bool) {
	idx = idx % len(r.deques)
	if t, ok := r.deques[idx].popHead(); ok {
		return t, true
	}
	for {
		victim := -1
		longest := 0
		for i, d := range r.deques {
			if i == idx {
				continue
			}
			if n := d.len(); n > longest {
				longest = n
				victim = i
			}
		}
		if victim < 0 {
			return task.Task{}, false
		}
		if t, ok := r.deques[victim].stealTail(); ok {
			return t, true
		}
	}
}

// maybeRetry schedules a backoff re-dispatch for a transiently failed
// task with remaining budget.
func (r *parallelRun) maybeRetry(ctx context.Context, id string) {
	t, err := r.graph.Get(id)
	if err != nil || t.State != task.StateFailed || !t.Retryable() {
		return
	}
	r.retries.Add(1)
	go func() {
		defer r.retries.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.ex.backoff(t.AttemptCount)):
		}
		if err := r.graph.Mark(id, task.StateReady, nil); err != nil {
			return
		}
		r.ex.emit("task.state_changed", id, string(task.StateReady), "retry")
		r.wake()
	}()
}

func (r *parallelRun) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
