// Package broadcast fans newly created fraud-log entries out to live
// subscribers over WebSocket and SSE.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const sinkBuffer = 64

// Hub subscribes to the fraud-log feed and relays each entry to every
// attached sink. Delivery is best effort: a subscriber that cannot keep
// up has messages dropped rather than stalling the feed.
type Hub struct {
	logger    *slog.Logger
	collector *metrics.Collector

	mu    sync.RWMutex
	sinks map[*Sink]struct{}
	sub   domain.Subscription
}

// Sink is one attached subscriber's delivery queue.
type Sink struct {
	ch chan []byte
}

// C returns the sink's receive channel. It is closed on detach.
func (s *Sink) C() <-chan []byte {
	return s.ch
}

// NewHub creates a hub.
func NewHub(collector *metrics.Collector, logger *slog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		collector: collector,
		sinks:     make(map[*Sink]struct{}),
	}
}

// Start subscribes the hub to the fraud-log topic.
func (h *Hub) Start(ctx context.Context, bus domain.EventBus) error {
	sub, err := bus.Subscribe(ctx, domain.TopicFraudLogged, h.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicFraudLogged, err)
	}
	h.sub = sub

	h.logger.Info("broadcast hub started", "topic", domain.TopicFraudLogged)
	return nil
}

// Attach registers a new subscriber and returns its sink.
func (h *Hub) Attach() *Sink {
	s := &Sink{ch: make(chan []byte, sinkBuffer)}

	h.mu.Lock()
	h.sinks[s] = struct{}{}
	total := len(h.sinks)
	h.mu.Unlock()

	h.collector.SubscriberConnected()
	h.logger.Info("subscriber attached", "total", total)
	return s
}

// Detach removes a subscriber and closes its channel. Safe to call once
// per sink.
func (h *Hub) Detach(s *Sink) {
	h.mu.Lock()
	if _, ok := h.sinks[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sinks, s)
	total := len(h.sinks)
	h.mu.Unlock()

	close(s.ch)
	h.collector.SubscriberDisconnected()
	h.logger.Info("subscriber detached", "total", total)
}

// SubscriberCount returns the number of attached sinks.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

func (h *Hub) handleMessage(ctx context.Context, msg *domain.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sinks {
		select {
		case s.ch <- msg.Payload:
		default:
			// Slow subscriber: drop instead of blocking the feed.
			h.logger.Warn("dropping broadcast for slow subscriber")
		}
	}
	return nil
}

// Stop unsubscribes from the feed and detaches every subscriber.
func (h *Hub) Stop() error {
	if h.sub != nil {
		if err := h.sub.Unsubscribe(); err != nil {
			h.logger.Error("failed to unsubscribe", "topic", h.sub.Topic(), "error", err)
		}
		h.sub = nil
	}

	h.mu.Lock()
	sinks := make([]*Sink, 0, len(h.sinks))
	for s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.Unlock()

	for _, s := range sinks {
		h.Detach(s)
	}

	h.logger.Info("broadcast hub stopped")
	return nil
}
