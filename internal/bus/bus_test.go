package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != "test.topic" {
			t.Errorf("expected topic 'test.topic', got '%s'", receivedMsg.Topic)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, "isolation.topic.a", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, "isolation.topic.b", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "isolation.topic.a", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("topic.a subscriber should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("topic.b subscriber should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("FanOutToMultipleSubscribers", func(t *testing.T) {
		var a, b atomic.Int32

		bus.Subscribe(ctx, "fanout.topic", func(ctx context.Context, msg *domain.Message) error {
			a.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "fanout.topic", func(ctx context.Context, msg *domain.Message) error {
			b.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "fanout.topic", []byte("msg"))
		time.Sleep(50 * time.Millisecond)

		if a.Load() != 1 || b.Load() != 1 {
			t.Errorf("expected both subscribers to receive 1 message, got %d and %d", a.Load(), b.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("OrderedDelivery", func(t *testing.T) {
		var mu sync.Mutex
		var order []string

		bus.Subscribe(ctx, "order.topic", func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			order = append(order, string(msg.Payload))
			mu.Unlock()
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		for _, p := range []string{"one", "two", "three"} {
			bus.Publish(ctx, "order.topic", []byte(p))
		}
		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(order) != 3 {
			t.Fatalf("expected 3 messages, got %d", len(order))
		}
		for i, want := range []string{"one", "two", "three"} {
			if order[i] != want {
				t.Errorf("position %d: expected %q, got %q", i, want, order[i])
			}
		}
	})
}

func TestChannelBusDropAccounting(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()

	var droppedTopics []string
	var mu sync.Mutex
	bus.OnDrop(func(topic string) {
		mu.Lock()
		droppedTopics = append(droppedTopics, topic)
		mu.Unlock()
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	_, err := bus.Subscribe(ctx, "drop.topic", func(ctx context.Context, msg *domain.Message) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// First message occupies the handler, second fills the buffer,
	// third has nowhere to go.
	bus.Publish(ctx, "drop.topic", []byte("one"))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler never received the first message")
	}
	bus.Publish(ctx, "drop.topic", []byte("two"))
	bus.Publish(ctx, "drop.topic", []byte("three"))
	close(release)

	if got := bus.DroppedCount(); got < 1 {
		t.Errorf("expected at least 1 dropped message, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(droppedTopics) == 0 {
		t.Fatal("drop callback was never invoked")
	}
	if droppedTopics[0] != "drop.topic" {
		t.Errorf("expected drop callback for 'drop.topic', got %q", droppedTopics[0])
	}
}

func TestChannelBusUnsubscribeStopsBuffering(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "stale.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sub.Unsubscribe()

	// Far more messages than the buffer holds. If the stale subscription
	// were still registered its buffer would overflow and count drops.
	for i := 0; i < 10; i++ {
		if err := bus.Publish(ctx, "stale.topic", []byte("msg")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	if got := bus.DroppedCount(); got != 0 {
		t.Errorf("expected 0 drops after unsubscribe, got %d", got)
	}
}

func TestChannelBusClosed(t *testing.T) {
	bus := NewChannelBus(10)
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "topic", []byte("data")); err == nil {
		t.Error("expected error publishing to closed bus")
	}

	if _, err := bus.Subscribe(ctx, "topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	}); err == nil {
		t.Error("expected error subscribing to closed bus")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping failure on closed bus")
	}
}

func TestNewBusUnsupportedType(t *testing.T) {
	_, err := New(domain.EventBusConfig{Type: "kafka"})
	if err == nil {
		t.Error("expected error for unsupported bus type")
	}
}
