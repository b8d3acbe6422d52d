// Package exec implements the execution tracker and its monitor: a single
// serialized reactor that owns the processing set and arbitrates the state
// transitions driven by Popped, Completed, and TimedOut events.
package exec

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskgrid/taskqueue/internal/platform/logging"
	"github.com/taskgrid/taskqueue/internal/platform/otelinit"
)

var (
	// ErrChannelDropped is returned by Run when the event channel's
	// producer side is closed.
	ErrChannelDropped = errors.New("exec: event channel dropped")
	// ErrInvalidTask is returned when a Completed event names a key that
	// is absent from the processing set.
	ErrInvalidTask = errors.New("exec: invalid task")
	// ErrCancelTimeout names the cancel-timeout error kind. The monitor does
	// not return it: when a Completed event finds the entry's timer already
	// fired, it logs that and the completion still succeeds.
	ErrCancelTimeout = errors.New("exec: cancel timeout failed")
)

// Task is the minimal snapshot the monitor needs: enough to requeue it on
// timeout without depending on the store package. Data carries the caller's
// full task record opaquely through Popped and back out through Requeue.
type Task struct {
	Key      uint64
	Duration time.Duration
	Data     any
}

// eventKind enumerates the three message kinds the reactor consumes.
type eventKind int

const (
	eventPopped eventKind = iota
	eventCompleted
	eventTimedOut
)

type event struct {
	kind   eventKind
	task   Task
	result chan error
}

// entry is a processing-set record: a task snapshot plus its timeout
// cancellation handle.
type entry struct {
	task   Task
	cancel func() bool
}

// Requeuer re-admits a timed-out task: reinserts it into the task table and
// enqueues it on the ready queue. Implemented by the store façade.
type Requeuer interface {
	Requeue(task Task)
}

// Monitor is the serialized reactor. All processing-set mutation happens on
// its single goroutine; callers communicate only through the event channel.
type Monitor struct {
	events chan event
	req    Requeuer

	log *slog.Logger

	poppedCounter    metric.Int64Counter
	completedCounter metric.Int64Counter
	timedOutCounter  metric.Int64Counter
	inFlightGauge    metric.Int64UpDownCounter

	mu        sync.RWMutex // guards size only, for observability; the reactor owns all writes
	inFlight  map[uint64]struct{}
}

// New constructs a Monitor that requeues timed-out tasks via req. Run must
// be called to start the reactor goroutine.
func New(req Requeuer, meter metric.Meter) *Monitor {
	popped, _ := meter.Int64Counter("taskqueue_exec_popped_total")
	completed, _ := meter.Int64Counter("taskqueue_exec_completed_total")
	timedOut, _ := meter.Int64Counter("taskqueue_exec_timed_out_total")
	inFlight, _ := meter.Int64UpDownCounter("taskqueue_exec_in_flight")

	return &Monitor{
		events:           make(chan event, 256),
		req:              req,
		log:              logging.For("exec"),
		poppedCounter:    popped,
		completedCounter: completed,
		timedOutCounter:  timedOut,
		inFlightGauge:    inFlight,
		inFlight:         make(map[uint64]struct{}),
	}
}

// Run drives the reactor until ctx is cancelled or the event channel is
// dropped. Intended to run on its own goroutine for the process lifetime.
func (m *Monitor) Run(ctx context.Context) error {
	processing := make(map[uint64]*entry)
	for {
		select {
		case <-ctx.Done():
			for _, e := range processing {
				e.cancel()
			}
			return ctx.Err()
		case ev, ok := <-m.events:
			if !ok {
				return ErrChannelDropped
			}
			m.handle(ctx, processing, ev)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, processing map[uint64]*entry, ev event) {
	switch ev.kind {
	case eventPopped:
		m.handlePopped(processing, ev)
	case eventCompleted:
		m.handleCompleted(ctx, processing, ev)
	case eventTimedOut:
		m.handleTimedOut(processing, ev)
	}
}

func (m *Monitor) handlePopped(processing map[uint64]*entry, ev event) {
	k := ev.task.Key
	timer := time.AfterFunc(ev.task.Duration, func() {
		m.events <- event{kind: eventTimedOut, task: ev.task}
	})
	processing[k] = &entry{task: ev.task, cancel: timer.Stop}

	m.trackInFlight(k, true)
	m.poppedCounter.Add(context.Background(), 1)
	if ev.result != nil {
		ev.result <- nil
	}
}

func (m *Monitor) handleCompleted(ctx context.Context, processing map[uint64]*entry, ev event) {
	k := ev.task.Key
	e, ok := processing[k]
	if !ok {
		if ev.result != nil {
			ev.result <- ErrInvalidTask
		}
		return
	}
	if !e.cancel() {
		m.log.Debug("timeout already fired for completed task", "key", k)
	}
	delete(processing, k)
	m.trackInFlight(k, false)
	m.completedCounter.Add(ctx, 1)
	if ev.result != nil {
		ev.result <- nil
	}
}

func (m *Monitor) handleTimedOut(processing map[uint64]*entry, ev event) {
	k := ev.task.Key
	if _, ok := processing[k]; !ok {
		// Raced with Completed; the completed side already won. Log and
		// drop, per the documented ordering resolution.
		m.log.Debug("timeout fired for already-completed task", "key", k)
		return
	}
	delete(processing, k)
	m.trackInFlight(k, false)
	m.timedOutCounter.Add(context.Background(), 1)
	m.req.Requeue(ev.task)
}

func (m *Monitor) trackInFlight(k uint64, added bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if added {
		m.inFlight[k] = struct{}{}
		m.inFlightGauge.Add(context.Background(), 1)
	} else {
		delete(m.inFlight, k)
		m.inFlightGauge.Add(context.Background(), -1)
	}
}

// Popped emits a Popped event for t and waits for the reactor to record it.
func (m *Monitor) Popped(ctx context.Context, t Task) error {
	ctx, end := otelinit.WithSpan(ctx, "exec.popped", attribute.Int64("key", int64(t.Key)))
	defer end()
	return m.send(ctx, event{kind: eventPopped, task: t, result: make(chan error, 1)})
}

// Completed emits a Completed event for key k and waits for the reactor's
// verdict: nil on success, ErrInvalidTask if k was not in the processing set.
func (m *Monitor) Completed(ctx context.Context, k uint64) error {
	ctx, end := otelinit.WithSpan(ctx, "exec.completed", attribute.Int64("key", int64(k)))
	defer end()
	return m.send(ctx, event{kind: eventCompleted, task: Task{Key: k}, result: make(chan error, 1)})
}

func (m *Monitor) send(ctx context.Context, ev event) error {
	select {
	case m.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlightCount reports the current processing-set size, for stats
// reporting only; never used for control flow.
func (m *Monitor) InFlightCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.inFlight)
}
