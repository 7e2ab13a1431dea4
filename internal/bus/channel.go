// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus. Delivery to a subscriber whose
// buffer is full is dropped rather than blocking the publisher, so a slow
// consumer cannot stall the feed for everyone else.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool

	dropped atomic.Int64
	onDrop  func(topic string)
}

type channelSubscription struct {
	id      string
	topic   string
	bus     *ChannelBus
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish sends a message to a topic.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	subs := b.subscriptions[topic]
	b.mu.RUnlock()

	// Send to all matching subscribers (non-blocking)
	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
		default:
			// A stalled subscriber loses this message rather than
			// blocking the feed, but never silently.
			b.dropped.Add(1)
			slog.Warn("dropping message for slow subscriber",
				"topic", topic,
				"subscription_id", sub.id)
			if b.onDrop != nil {
				b.onDrop(topic)
			}
		}
	}

	return nil
}

// OnDrop registers a callback invoked once per dropped message. Set before
// the bus is shared between goroutines.
func (b *ChannelBus) OnDrop(fn func(topic string)) {
	b.onDrop = fn
}

// DroppedCount returns the number of messages dropped so far.
func (b *ChannelBus) DroppedCount() int64 {
	return b.dropped.Load()
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		bus:     b,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	// Start message handler goroutine
	go b.handleMessages(sub)

	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	return sub, nil
}

// handleMessages processes messages for a subscription. Messages for one
// subscription are delivered in publish order.
func (b *ChannelBus) handleMessages(sub *channelSubscription) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.msgCh:
			if msg != nil {
				_ = sub.handler(sub.ctx, msg)
			}
		}
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close closes the event bus.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	// Cancel all subscriptions
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
			close(sub.msgCh)
		}
	}

	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

// Unsubscribe stops receiving messages and removes the subscription so
// publishers stop filling its buffer.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
