package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

type fakeRequeuer struct {
	mu       sync.Mutex
	requeued []Task
}

func (f *fakeRequeuer) Requeue(t Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, t)
}

func (f *fakeRequeuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requeued)
}

func newTestMonitor(req Requeuer) *Monitor {
	meter := otel.GetMeterProvider().Meter("test")
	return New(req, meter)
}

func TestPoppedThenCompletedCancelsTimeout(t *testing.T) {
	req := &fakeRequeuer{}
	m := newTestMonitor(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	task := Task{Key: 1, Duration: 50 * time.Millisecond}
	if err := m.Popped(context.Background(), task); err != nil {
		t.Fatalf("popped: %v", err)
	}
	if m.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight task, got %d", m.InFlightCount())
	}
	if err := m.Completed(context.Background(), 1); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if m.InFlightCount() != 0 {
		t.Fatalf("expected 0 in-flight after completion, got %d", m.InFlightCount())
	}

	time.Sleep(80 * time.Millisecond)
	if req.count() != 0 {
		t.Fatalf("expected no requeue since task completed before timeout, got %d", req.count())
	}
}

func TestCompletedOnUnknownKeyFailsInvalidTask(t *testing.T) {
	req := &fakeRequeuer{}
	m := newTestMonitor(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	err := m.Completed(context.Background(), 999)
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestTimeoutRequeuesTask(t *testing.T) {
	req := &fakeRequeuer{}
	m := newTestMonitor(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	task := Task{Key: 7, Duration: 20 * time.Millisecond}
	if err := m.Popped(context.Background(), task); err != nil {
		t.Fatalf("popped: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for req.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for requeue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if m.InFlightCount() != 0 {
		t.Fatalf("expected in-flight count to drop to 0 after timeout, got %d", m.InFlightCount())
	}
}

func TestCompletedAfterTimeoutLosesRace(t *testing.T) {
	req := &fakeRequeuer{}
	m := newTestMonitor(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	task := Task{Key: 3, Duration: 10 * time.Millisecond}
	if err := m.Popped(context.Background(), task); err != nil {
		t.Fatalf("popped: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for req.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for requeue")
		case <-time.After(5 * time.Millisecond):
		}
	}

	err := m.Completed(context.Background(), 3)
	if !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected late complete to fail with ErrInvalidTask, got %v", err)
	}
}
