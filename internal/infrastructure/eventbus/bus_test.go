package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInMemoryBus_DeliversToKindSubscriber(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)
	defer bus.Close()

	var got atomic.Value
	bus.Subscribe("session.stats", func(_ context.Context, ev Event) {
		got.Store(ev.Payload)
	})

	bus.Publish(context.Background(), New("session.stats", "payload-1"))

	waitFor(t, func() bool { return got.Load() != nil }, "handler never ran")
	if got.Load().(string) != "payload-1" {
		t.Errorf("payload = %v", got.Load())
	}
}

func TestInMemoryBus_KindIsolation(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var aCount, bCount atomic.Int32
	bus.Subscribe("a", func(_ context.Context, ev Event) { aCount.Add(1) })
	bus.Subscribe("b", func(_ context.Context, ev Event) { bCount.Add(1) })

	bus.Publish(context.Background(), New("a", nil))
	bus.Publish(context.Background(), New("a", nil))
	bus.Publish(context.Background(), New("b", nil))
	bus.Close()

	if aCount.Load() != 2 || bCount.Load() != 1 {
		t.Errorf("counts = (a:%d, b:%d), want (2, 1)", aCount.Load(), bCount.Load())
	}
}

func TestInMemoryBus_WildcardSeesEverything(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var all atomic.Int32
	bus.Subscribe("*", func(_ context.Context, ev Event) { all.Add(1) })

	bus.Publish(context.Background(), New("a", nil))
	bus.Publish(context.Background(), New("b", nil))
	bus.Publish(context.Background(), New("c", nil))
	bus.Close()

	if all.Load() != 3 {
		t.Errorf("wildcard handler ran %d times, want 3", all.Load())
	}
}

func TestInMemoryBus_EventOrderPreserved(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var mu sync.Mutex
	var order []int
	bus.Subscribe("k", func(_ context.Context, ev Event) {
		mu.Lock()
		order = append(order, ev.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		bus.Publish(context.Background(), New("k", i))
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("delivered %d of 5 events", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want sequential", order)
		}
	}
}

func TestInMemoryBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var after atomic.Int32
	bus.Subscribe("k", func(_ context.Context, ev Event) { panic("handler bug") })
	bus.Subscribe("k", func(_ context.Context, ev Event) { after.Add(1) })

	bus.Publish(context.Background(), New("k", nil))
	bus.Publish(context.Background(), New("k", nil))
	bus.Close()

	if after.Load() != 2 {
		t.Errorf("second handler ran %d times, want 2", after.Load())
	}
}

func TestInMemoryBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop(), 8)

	var count atomic.Int32
	bus.Subscribe("k", func(_ context.Context, ev Event) { count.Add(1) })

	bus.Publish(context.Background(), New("k", nil))
	bus.Close()
	bus.Publish(context.Background(), New("k", nil))

	if count.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", count.Load())
	}
}
