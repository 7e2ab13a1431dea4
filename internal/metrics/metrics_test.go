package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.TransactionIngested()
	c.TransactionIngested()
	c.EvaluationCompleted(10*time.Millisecond, 75, true)
	c.EvaluationCompleted(5*time.Millisecond, 0, false)
	c.EvaluationFailed()

	if got := testutil.ToFloat64(c.transactionsIngested); got != 2 {
		t.Errorf("expected 2 ingested, got %v", got)
	}
	if got := testutil.ToFloat64(c.evaluations); got != 2 {
		t.Errorf("expected 2 evaluations, got %v", got)
	}
	if got := testutil.ToFloat64(c.entriesFlagged); got != 1 {
		t.Errorf("expected 1 flagged, got %v", got)
	}
	if got := testutil.ToFloat64(c.evaluationFailures); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}

	c.BusMessageDropped("kestrel.transaction.committed")
	if got := testutil.ToFloat64(c.busDropped.WithLabelValues("kestrel.transaction.committed")); got != 1 {
		t.Errorf("expected 1 dropped bus message, got %v", got)
	}
}

func TestSubscriberGauge(t *testing.T) {
	c := NewCollector()

	c.SubscriberConnected()
	c.SubscriberConnected()
	c.SubscriberDisconnected()

	if got := testutil.ToFloat64(c.liveSubscribers); got != 1 {
		t.Errorf("expected 1 subscriber, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.TransactionIngested()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kestrel_transactions_ingested_total 1") {
		t.Error("expected ingested counter in scrape output")
	}
}
