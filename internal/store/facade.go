package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskgrid/taskqueue/internal/depgraph"
	"github.com/taskgrid/taskqueue/internal/exec"
	"github.com/taskgrid/taskqueue/internal/platform/logging"
	"github.com/taskgrid/taskqueue/internal/platform/otelinit"
	"github.com/taskgrid/taskqueue/internal/queue"
)

// Facade is the store's public surface: push, pop, complete. It coordinates
// the next-key counter, the task table, the dependency graph, the ready
// queue, and the execution monitor, acquiring writers in the fixed order
// next-key -> tasks -> edges to avoid deadlock.
type Facade struct {
	nextKeyMu sync.Mutex
	nextKey   uint64

	tasksMu sync.RWMutex
	tasks   map[uint64]Task

	graph   *depgraph.Graph
	ready   *queue.Ready
	monitor *exec.Monitor

	log *slog.Logger

	pushCounter     metric.Int64Counter
	popCounter      metric.Int64Counter
	completeCounter metric.Int64Counter
	taskTableGauge  metric.Int64UpDownCounter
}

// New constructs a Facade with no monitor attached yet. Because the monitor
// needs the Facade as its Requeuer, wiring is two-phase: construct the
// Facade, construct the monitor with the Facade as Requeuer, then call
// AttachMonitor before serving any request. The caller must separately start
// monitor.Run on its own goroutine.
func New(meter metric.Meter) *Facade {
	push, _ := meter.Int64Counter("taskqueue_store_push_total")
	pop, _ := meter.Int64Counter("taskqueue_store_pop_total")
	complete, _ := meter.Int64Counter("taskqueue_store_complete_total")
	taskTable, _ := meter.Int64UpDownCounter("taskqueue_store_task_table_size")

	return &Facade{
		tasks:           make(map[uint64]Task),
		graph:           depgraph.New(),
		ready:           queue.New(),
		log:             logging.For("store"),
		pushCounter:     push,
		popCounter:      pop,
		completeCounter: complete,
		taskTableGauge:  taskTable,
	}
}

// AttachMonitor wires the execution monitor into the Facade. Must be called
// before Push/Pop/Complete are used.
func (f *Facade) AttachMonitor(monitor *exec.Monitor) {
	f.monitor = monitor
}

// Push admits a new task. See spec §4.2: the new key and task entry are
// released on any failure (MissingDependency or Cycle), and edges added
// during a push that is ultimately rejected for Cycle are rolled back.
func (f *Facade) Push(ctx context.Context, in InsertTask) (Task, error) {
	_, end := otelinit.WithSpan(ctx, "store.push", attribute.String("name", in.Name))
	defer end()

	// Duration is only ever unset (zero value) here when the caller means
	// it literally: the API layer (internal/api/convert.go) already fills
	// in DefaultDuration when the wire field is omitted, via a *int64, so
	// an explicit `duration: 0` must survive unchanged (spec §3: the
	// default applies to an absent field, not an explicit zero).
	if in.Duration < 0 {
		in.Duration = DefaultDuration
	}

	f.nextKeyMu.Lock()
	f.nextKey++
	k := f.nextKey
	f.nextKeyMu.Unlock()

	task := Task{
		Key:       k,
		Name:      in.Name,
		Payload:   in.Payload,
		DependsOn: in.DependsOn,
		Duration:  in.Duration,
	}

	f.tasksMu.Lock()
	f.tasks[k] = task
	f.taskTableGauge.Add(ctx, 1)
	f.tasksMu.Unlock()

	if len(in.DependsOn) == 0 {
		f.ready.Push(k)
		f.pushCounter.Add(ctx, 1)
		f.debugTrace(ctx)
		return task, nil
	}

	for _, p := range in.DependsOn {
		if !f.taskExists(p) {
			f.rollbackPush(ctx, k)
			return Task{}, &MissingDependencyError{Parent: p}
		}
		f.graph.AddEdge(k, p)
	}

	if f.hasCycle() {
		f.graph.RemoveKey(k)
		f.rollbackPush(ctx, k)
		return Task{}, ErrCycle
	}

	f.pushCounter.Add(ctx, 1)
	f.debugTrace(ctx)
	return task, nil
}

func (f *Facade) rollbackPush(ctx context.Context, k uint64) {
	f.graph.RemoveKey(k)
	f.tasksMu.Lock()
	delete(f.tasks, k)
	f.tasksMu.Unlock()
	f.taskTableGauge.Add(ctx, -1)
}

func (f *Facade) taskExists(k uint64) bool {
	f.tasksMu.RLock()
	defer f.tasksMu.RUnlock()
	_, ok := f.tasks[k]
	return ok
}

func (f *Facade) hasCycle() bool {
	f.tasksMu.RLock()
	keys := make(map[uint64]struct{}, len(f.tasks))
	for k := range f.tasks {
		keys[k] = struct{}{}
	}
	f.tasksMu.RUnlock()
	return f.graph.HasCycle(keys)
}

func (f *Facade) debugTrace(ctx context.Context) {
	f.tasksMu.RLock()
	keys := make([]uint64, 0, len(f.tasks))
	for k := range f.tasks {
		keys = append(keys, k)
	}
	f.tasksMu.RUnlock()
	f.log.Debug("store graph snapshot", "task_table_keys", keys, "edges_size", f.graph.Len())
}

// Pop blocks until a ready key arrives, removes it from the task table, and
// emits Popped to the monitor.
func (f *Facade) Pop(ctx context.Context) (Execution, error) {
	ctx, end := otelinit.WithSpan(ctx, "store.pop")
	defer end()

	k, err := f.ready.Pop(ctx)
	if err != nil {
		return Execution{}, err
	}

	f.tasksMu.Lock()
	task, ok := f.tasks[k]
	if ok {
		delete(f.tasks, k)
	}
	f.tasksMu.Unlock()
	if !ok {
		return Execution{}, &InvalidTaskIDError{Key: k}
	}
	f.taskTableGauge.Add(ctx, -1)

	if f.graph.Waiting(k) {
		f.log.Error("invariant violation: popped key still present in edges map", "key", k)
	}

	deadline := time.Now().UTC().Add(task.Duration)
	if err := f.monitor.Popped(ctx, exec.Task{Key: k, Duration: task.Duration, Data: task}); err != nil {
		return Execution{}, ErrMonitorCommunication
	}

	f.popCounter.Add(ctx, 1)
	return Execution{Task: task, Deadline: deadline}, nil
}

// Complete validates k is in flight, notifies the monitor, and runs the
// dependency release cascade outside the monitor: the cascade touches the
// ready queue and edges map, which the monitor does not own.
func (f *Facade) Complete(ctx context.Context, k uint64) error {
	ctx, end := otelinit.WithSpan(ctx, "store.complete", attribute.Int64("key", int64(k)))
	defer end()

	if err := f.monitor.Completed(ctx, k); err != nil {
		if err == exec.ErrInvalidTask {
			return &InvalidTaskIDError{Key: k}
		}
		return ErrMonitorCommunication
	}

	released := f.graph.Release(k)
	for _, n := range released {
		f.ready.Push(n)
	}

	f.completeCounter.Add(ctx, 1)
	return nil
}

// Requeue implements exec.Requeuer: reinsert a timed-out task into the task
// table, unchanged otherwise, and enqueue it on the ready queue.
func (f *Facade) Requeue(t exec.Task) {
	task, ok := t.Data.(Task)
	if !ok {
		f.log.Error("requeue: missing task snapshot", "key", t.Key)
		return
	}
	f.tasksMu.Lock()
	f.tasks[task.Key] = task
	f.tasksMu.Unlock()
	f.taskTableGauge.Add(context.Background(), 1)
	f.ready.Push(task.Key)
}

// TaskTableSize reports the current task table size for stats reporting.
func (f *Facade) TaskTableSize() int {
	f.tasksMu.RLock()
	defer f.tasksMu.RUnlock()
	return len(f.tasks)
}

// EdgeMapSize reports the current edges map size for stats reporting.
func (f *Facade) EdgeMapSize() int {
	return f.graph.Len()
}

// InFlightCount reports the current processing-set size for stats reporting.
func (f *Facade) InFlightCount() int {
	return f.monitor.InFlightCount()
}
