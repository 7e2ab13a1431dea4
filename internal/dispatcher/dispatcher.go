// Package dispatcher consumes the committed-transaction feed and drives
// each transaction through evaluation and recording.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraudlog"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Dispatcher subscribes to the committed-transaction topic and evaluates
// each transaction concurrently, bounded by MaxInFlight. One failing
// transaction never blocks or aborts the others.
type Dispatcher struct {
	bus       domain.EventBus
	engine    *rules.Engine
	recorder  *fraudlog.Recorder
	collector *metrics.Collector
	logger    *slog.Logger

	sem chan struct{}
	sub domain.Subscription
	wg  sync.WaitGroup
}

// New creates a dispatcher. maxInFlight bounds concurrent evaluations.
func New(bus domain.EventBus, engine *rules.Engine, recorder *fraudlog.Recorder, collector *metrics.Collector, logger *slog.Logger, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	return &Dispatcher{
		bus:       bus,
		engine:    engine,
		recorder:  recorder,
		collector: collector,
		logger:    logger,
		sem:       make(chan struct{}, maxInFlight),
	}
}

// Start subscribes to the committed-transaction feed.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, domain.TopicTransactionCommitted, d.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionCommitted, err)
	}
	d.sub = sub

	d.logger.Info("dispatcher started", "topic", domain.TopicTransactionCommitted)
	return nil
}

// handleMessage admits one transaction into the bounded evaluation pool.
func (d *Dispatcher) handleMessage(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		d.logger.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err)
		return err
	}

	d.sem <- struct{}{}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		// Evaluation outlives the subscription context: shutdown cancels
		// the feed first, and in-flight work must still finish its store
		// queries and record before Stop returns.
		d.process(context.WithoutCancel(ctx), &tx)
	}()

	return nil
}

// process runs one transaction through the rule engine and the recorder.
func (d *Dispatcher) process(ctx context.Context, tx *domain.Transaction) {
	start := time.Now()

	reasons := d.engine.Evaluate(ctx, tx)

	entry, err := d.recorder.Record(ctx, tx, reasons)
	if err != nil {
		d.collector.EvaluationFailed()
		d.logger.Error("failed to record evaluation",
			"transaction_id", tx.TransactionID,
			"error", err)
		return
	}

	score := 0
	if entry != nil {
		score = entry.RiskScore
	}
	d.collector.EvaluationCompleted(time.Since(start), score, entry != nil)

	d.logger.Debug("transaction evaluated",
		"transaction_id", tx.TransactionID,
		"flagged", entry != nil,
		"risk_score", score,
		"duration_ms", time.Since(start).Milliseconds())
}

// Stop unsubscribes and waits for in-flight evaluations to drain.
func (d *Dispatcher) Stop() error {
	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			d.logger.Error("failed to unsubscribe", "topic", d.sub.Topic(), "error", err)
		}
		d.sub = nil
	}

	d.wg.Wait()

	d.logger.Info("dispatcher stopped")
	return nil
}
