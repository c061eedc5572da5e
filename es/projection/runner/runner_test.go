package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/projection"
	"github.com/getpup/cqrsstore/es/store"
)

type event struct {
	Name string
}

// mockDispatcher records the batches it receives.
type mockDispatcher struct {
	mu          sync.Mutex
	calls       int32
	received    []string
	shouldFail  bool
	handleDelay time.Duration
	waitCancel  bool
}

func (m *mockDispatcher) Dispatch(ctx context.Context, aggregateID string, events []es.EventContext[event]) error {
	atomic.AddInt32(&m.calls, 1)
	if m.waitCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.handleDelay > 0 {
		time.Sleep(m.handleDelay)
	}
	if m.shouldFail {
		return errors.New("mock dispatcher error")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for range events {
		m.received = append(m.received, aggregateID)
	}
	return nil
}

func batch(id string, n int) []es.EventContext[event] {
	events := make([]es.EventContext[event], n)
	for i := range events {
		events[i] = es.EventContext[event]{AggregateID: id, Sequence: int64(i + 1)}
	}
	return events
}

func TestNew_NoDispatchers(t *testing.T) {
	_, err := New[event]()
	if !errors.Is(err, ErrNoDispatchers) {
		t.Errorf("Expected ErrNoDispatchers, got %v", err)
	}
}

func TestNew_NilDispatcher(t *testing.T) {
	_, err := New(Target[event]{Name: "a", Dispatcher: &mockDispatcher{}}, Target[event]{Name: "b"})
	if err == nil || err.Error() != "dispatcher at index 1 is nil" {
		t.Errorf("Expected nil dispatcher error, got %v", err)
	}
}

func TestNew_DefaultNames(t *testing.T) {
	targets := []Target[event]{{Dispatcher: &mockDispatcher{}}}
	r, err := New(targets...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if r.targets[0].Name != "dispatcher-0" {
		t.Errorf("Expected default name dispatcher-0, got %q", r.targets[0].Name)
	}
	if targets[0].Name != "" {
		t.Error("New must not modify the caller's targets")
	}
}

func TestRunner_Dispatch_AllTargets(t *testing.T) {
	a, b := &mockDispatcher{}, &mockDispatcher{handleDelay: 10 * time.Millisecond}
	r, err := New(Target[event]{Name: "a", Dispatcher: a}, Target[event]{Name: "b", Dispatcher: b})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.Dispatch(context.Background(), "c-1", batch("c-1", 3)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Dispatch returns only after every target finished.
	if len(a.received) != 3 || len(b.received) != 3 {
		t.Errorf("Expected 3 events per target, got %d and %d", len(a.received), len(b.received))
	}
}

func TestRunner_Dispatch_FailFast(t *testing.T) {
	failing := &mockDispatcher{shouldFail: true}
	waiting := &mockDispatcher{waitCancel: true}
	r, err := New(Target[event]{Name: "failing", Dispatcher: failing}, Target[event]{Name: "waiting", Dispatcher: waiting})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Dispatch(context.Background(), "c-1", batch("c-1", 1)) }()

	select {
	case err := <-done:
		if err == nil || err.Error() != `dispatcher "failing" failed: mock dispatcher error` {
			t.Errorf("Expected failing dispatcher error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not cancel the waiting dispatcher")
	}
	if atomic.LoadInt32(&waiting.calls) != 1 {
		t.Error("Waiting dispatcher was not called")
	}
}

func TestRunner_Dispatch_ContextCancellation(t *testing.T) {
	d := &mockDispatcher{}
	r, err := New(Target[event]{Dispatcher: d})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = r.Dispatch(ctx, "c-1", batch("c-1", 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if atomic.LoadInt32(&d.calls) != 0 {
		t.Error("Dispatcher must not be called with a canceled context")
	}
}

type recordingLogger struct {
	es.NoOpLogger
	errors int32
}

func (l *recordingLogger) Error(_ context.Context, _ string, _ ...interface{}) {
	atomic.AddInt32(&l.errors, 1)
}

func TestRunner_WithLogger(t *testing.T) {
	logger := &recordingLogger{}
	r, err := New(Target[event]{Dispatcher: &mockDispatcher{shouldFail: true}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := r.WithLogger(logger).Dispatch(context.Background(), "c-1", batch("c-1", 1)); err == nil {
		t.Fatal("Expected an error")
	}
	if logger.errors != 1 {
		t.Errorf("Expected 1 logged error, got %d", logger.errors)
	}
}

func TestPartitions_InvalidTotal(t *testing.T) {
	newDispatcher := func(int) store.EventDispatcher[event] { return &mockDispatcher{} }

	for _, total := range []int{0, -1} {
		_, err := Partitions("contacts", total, newDispatcher)
		if !errors.Is(err, projection.ErrInvalidPartitionConfig) {
			t.Errorf("total %d: expected ErrInvalidPartitionConfig, got %v", total, err)
		}
	}
}

// TestPartitions_EachAggregateOnce verifies that every aggregate reaches
// exactly one partition when the partitions run behind one runner.
func TestPartitions_EachAggregateOnce(t *testing.T) {
	dispatchers := make([]*mockDispatcher, 4)
	targets, err := Partitions("contacts", 4, func(partition int) store.EventDispatcher[event] {
		dispatchers[partition] = &mockDispatcher{}
		return dispatchers[partition]
	})
	if err != nil {
		t.Fatalf("Partitions failed: %v", err)
	}
	if targets[2].Name != "contacts-2" {
		t.Errorf("Expected target name contacts-2, got %q", targets[2].Name)
	}

	r, err := New(targets...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ids := []string{"c-1", "c-2", "c-3", "c-4", "c-5", "c-6", "c-7", "c-8"}
	for _, id := range ids {
		if err := r.Dispatch(context.Background(), id, batch(id, 1)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	total := 0
	for _, d := range dispatchers {
		total += len(d.received)
	}
	if total != len(ids) {
		t.Errorf("Expected %d deliveries, got %d", len(ids), total)
	}
}
