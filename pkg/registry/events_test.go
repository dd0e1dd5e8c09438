package registry

import (
	"sync"
	"testing"
	"time"
)

func TestEventBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus(8, nil)
	defer bus.Close()

	var mu sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(2)

	for _, name := range []string{"a", "b"} {
		name := name
		bus.Subscribe(func(ev ServiceEvent) {
			mu.Lock()
			got[name]++
			mu.Unlock()
			wg.Done()
		})
	}

	bus.Publish(NewServiceEvent(EventRegister, "orders", nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 1 || got["b"] != 1 {
		t.Errorf("expected one delivery per subscriber, got %v", got)
	}
}

func TestEventBus_DropsWhenQueueFull(t *testing.T) {
	bus := NewEventBus(1, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	unsubscribe := bus.Subscribe(func(ev ServiceEvent) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	var hookCalls int
	bus.SetDropHook(func(ServiceEvent) { hookCalls++ })

	// First event occupies the handler, second fills the queue.
	bus.Publish(NewServiceEvent(EventRegister, "orders", nil))
	<-started
	bus.Publish(NewServiceEvent(EventConfigUpdate, "orders", nil))

	publishDone := make(chan struct{})
	go func() {
		bus.Publish(NewServiceEvent(EventDeregister, "orders", nil))
		close(publishDone)
	}()

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if bus.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", bus.Dropped())
	}
	if hookCalls != 1 {
		t.Errorf("expected drop hook to be called once, got %d", hookCalls)
	}

	close(release)
	unsubscribe()
	bus.Close()
}

func TestEventBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewEventBus(4, nil)
	defer bus.Close()

	delivered := make(chan EventType, 2)
	bus.Subscribe(func(ev ServiceEvent) {
		if ev.Type == EventRegister {
			panic("boom")
		}
		delivered <- ev.Type
	})

	bus.Publish(NewServiceEvent(EventRegister, "orders", nil))
	bus.Publish(NewServiceEvent(EventDeregister, "orders", nil))

	select {
	case typ := <-delivered:
		if typ != EventDeregister {
			t.Errorf("unexpected event %s", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber stopped after handler panic")
	}
}

func TestEventBus_PublishAfterClose(t *testing.T) {
	bus := NewEventBus(4, nil)
	bus.Close()

	// Must neither panic nor block.
	bus.Publish(NewServiceEvent(EventRegister, "orders", nil))
	unsubscribe := bus.Subscribe(func(ServiceEvent) {})
	unsubscribe()
}
