package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraudlog"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type pipeline struct {
	repo       domain.Repository
	bus        domain.EventBus
	dispatcher *Dispatcher
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 64})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { eventBus.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := rules.NewEngine(repo, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	recorder := fraudlog.NewRecorder(repo, eventBus, logger)
	d := New(eventBus, engine, recorder, metrics.NewCollector(), logger, 4)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	return &pipeline{repo: repo, bus: eventBus, dispatcher: d}
}

func (p *pipeline) commit(t *testing.T, tx *domain.Transaction) {
	t.Helper()
	ctx := context.Background()

	if err := p.repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := p.bus.Publish(ctx, domain.TopicTransactionCommitted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitForEntries(t *testing.T, repo domain.Repository, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		count, err := repo.CountFraudLogEntries(context.Background())
		if err != nil {
			t.Fatalf("CountFraudLogEntries failed: %v", err)
		}
		if count >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fraud log entries", want)
}

// pastAt returns a timestamp two days ago at the given UTC hour, safely
// outside every trailing rule window.
func pastAt(hour int) time.Time {
	n := time.Now().UTC().AddDate(0, 0, -2)
	return time.Date(n.Year(), n.Month(), n.Day(), hour, 0, 0, 0, time.UTC)
}

func TestDispatcherFlagsOddHourTransaction(t *testing.T) {
	p := newPipeline(t)

	// 3am transaction from a fresh user fires only the odd-hour rule.
	ts := pastAt(3)
	tx := &domain.Transaction{
		TransactionID: "tx-odd",
		UserID:        "user-odd",
		Timestamp:     ts,
		Amount:        50,
		PaymentMethod: "card",
		Location:      "New York",
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
		Status:        "SUCCESS",
	}
	p.commit(t, tx)

	waitForEntries(t, p.repo, 1)

	entries, err := p.repo.RecentFraudLogEntries(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentFraudLogEntries failed: %v", err)
	}
	entry := entries[0]
	if entry.TransactionID != "tx-odd" {
		t.Errorf("expected tx-odd, got %s", entry.TransactionID)
	}
	if len(entry.Reasons) != 1 || entry.Reasons[0].Code != domain.CodeOddHour {
		t.Errorf("expected single odd-hour reason, got %+v", entry.Reasons)
	}
	if entry.RiskScore != 15 {
		t.Errorf("expected risk score 15, got %d", entry.RiskScore)
	}
}

func TestDispatcherCleanTransactionNotLogged(t *testing.T) {
	p := newPipeline(t)

	tx := &domain.Transaction{
		TransactionID: "tx-clean",
		UserID:        "user-clean",
		Timestamp:     pastAt(14),
		Amount:        50,
		PaymentMethod: "card",
		Location:      "New York",
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
		Status:        "SUCCESS",
	}
	p.commit(t, tx)

	// Give the pipeline time to process, then confirm nothing was logged.
	time.Sleep(200 * time.Millisecond)
	p.dispatcher.Stop()

	count, err := p.repo.CountFraudLogEntries(context.Background())
	if err != nil {
		t.Fatalf("CountFraudLogEntries failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no fraud log entries, got %d", count)
	}
}

func TestDispatcherMalformedMessageIsolated(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	if err := p.bus.Publish(ctx, domain.TopicTransactionCommitted, []byte("{not json")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// A valid transaction after the malformed one still processes.
	tx := &domain.Transaction{
		TransactionID: "tx-after-bad",
		UserID:        "user-after-bad",
		Timestamp:     pastAt(2),
		Amount:        50,
		PaymentMethod: "card",
		Location:      "New York",
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
		Status:        "SUCCESS",
	}
	p.commit(t, tx)

	waitForEntries(t, p.repo, 1)
}

// gatedHistory wraps a repository and parks the first average lookup until
// released, holding one evaluation in flight.
type gatedHistory struct {
	domain.Repository

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedHistory) AverageUserAmount(ctx context.Context, userID string, since time.Time, excludeTxID string) (float64, int64, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Repository.AverageUserAmount(ctx, userID, since, excludeTxID)
}

func TestDispatcherDrainsInFlightWorkAfterCancel(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus, err := bus.New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 64})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { eventBus.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gate := &gatedHistory{
		Repository: repo,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	engine, err := rules.NewEngine(gate, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	recorder := fraudlog.NewRecorder(repo, eventBus, logger)
	d := New(eventBus, engine, recorder, metrics.NewCollector(), logger, 4)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}

	tx := &domain.Transaction{
		TransactionID: "tx-inflight",
		UserID:        "user-inflight",
		Timestamp:     pastAt(3),
		Amount:        50,
		PaymentMethod: "card",
		Location:      "New York",
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
		Status:        "SUCCESS",
	}
	if err := repo.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := eventBus.Publish(context.Background(), domain.TopicTransactionCommitted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Hold the evaluation mid-query, then replay shutdown order:
	// cancel the root context first, as main does on a signal.
	select {
	case <-gate.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for evaluation to start")
	}
	cancel()
	close(gate.release)

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	count, err := repo.CountFraudLogEntries(context.Background())
	if err != nil {
		t.Fatalf("CountFraudLogEntries failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected in-flight transaction to be recorded at shutdown, got %d entries", count)
	}
}

func TestDispatcherConcurrentLoad(t *testing.T) {
	p := newPipeline(t)

	// Twenty odd-hour transactions across distinct users; each flags once.
	for i := range 20 {
		tx := &domain.Transaction{
			TransactionID: "tx-load-" + string(rune('a'+i)),
			UserID:        "user-load-" + string(rune('a'+i)),
			Timestamp:     pastAt(1),
			Amount:        50,
			PaymentMethod: "card",
			Location:      "New York",
			DeviceID:      "device-load-" + string(rune('a'+i)),
			IPAddress:     "10.0.0.1",
			Status:        "SUCCESS",
		}
		p.commit(t, tx)
	}

	waitForEntries(t, p.repo, 20)
}
