package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpbuild/orchestrator/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("expected bus to report connected")
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe(SubjectBuilds, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := New(TypeBuildStatusChanged, "build-runner", map[string]interface{}{"build_id": "b-1", "status": "running"})
	if err := bus.Publish(ctx, SubjectBuilds, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, got.ID)
		}
		if got.Type != TypeBuildStatusChanged {
			t.Errorf("expected type %s, got %s", TypeBuildStatusChanged, got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	wg.Add(2)

	for i := 0; i < 2; i++ {
		_, err := bus.Subscribe(SubjectSteps, func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	bus.Publish(context.Background(), SubjectSteps, New(TypeStepStatusChanged, "build-runner", nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscribers")
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2 deliveries, got %d", count)
	}
}

func TestMemoryBus_QueueSubscribeLoadBalances(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	var counts [2]int32
	var wg sync.WaitGroup
	wg.Add(4)

	for i := 0; i < 2; i++ {
		idx := i
		_, err := bus.QueueSubscribe(SubjectPreviews, "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&counts[idx], 1)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe failed: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		bus.Publish(context.Background(), SubjectPreviews, New(TypePreviewStarted, "preview-manager", nil))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue deliveries")
	}
	if counts[0] == 0 || counts[1] == 0 {
		t.Errorf("expected load to balance across both subscribers, got %v", counts)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe(SubjectBuilds, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	bus.Publish(context.Background(), SubjectBuilds, New(TypeBuildStatusChanged, "build-runner", nil))
	select {
	case <-received:
		t.Fatal("did not expect event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_ClosedRejectsPublishAndSubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := bus.Publish(context.Background(), SubjectBuilds, New(TypeBuildStatusChanged, "x", nil)); err == nil {
		t.Error("expected publish on closed bus to error")
	}
	if _, err := bus.Subscribe(SubjectBuilds, func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to error")
	}
}
