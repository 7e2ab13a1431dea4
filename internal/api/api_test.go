package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/broadcast"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/dispatcher"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraudlog"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type testStack struct {
	server *Server
	repo   domain.Repository
	bus    domain.EventBus
}

// createTestStack wires the full Community-tier pipeline behind the API.
func createTestStack(t *testing.T) *testStack {
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
	collector := metrics.NewCollector()

	history := rules.NewCachedHistory(repo, cache.NewLRUCache(1000))
	engine, err := rules.NewEngine(history, logger)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	recorder := fraudlog.NewRecorder(repo, eventBus, logger)

	d := dispatcher.New(eventBus, engine, recorder, collector, logger, 4)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	hub := broadcast.NewHub(collector, logger)
	if err := hub.Start(context.Background(), eventBus); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(func() { hub.Stop() })

	aggregator := analytics.NewAggregator(repo, logger)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, repo, nil, eventBus, engine, hub, aggregator, collector, logger, "test-v1")

	return &testStack{server: server, repo: repo, bus: eventBus}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.server.Router().ServeHTTP(rr, req)
	return rr
}

// ingest posts a transaction and waits until it has been evaluated, as
// observed by the fraud-log count reaching wantEntries.
func (s *testStack) ingest(t *testing.T, req domain.TransactionRequest, wantEntries int64) IngestResponse {
	t.Helper()

	rr := s.do(t, http.MethodPost, "/transactions", req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.TransactionID == "" {
		t.Fatal("expected transaction_id in response")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		count, err := s.repo.CountFraudLogEntries(context.Background())
		if err != nil {
			t.Fatalf("CountFraudLogEntries failed: %v", err)
		}
		if count >= wantEntries {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fraud log entries", wantEntries)
	return resp
}

// oddHourAt returns a timestamp two days ago at the given UTC hour.
func oddHourAt(hour int) *time.Time {
	n := time.Now().UTC().AddDate(0, 0, -2)
	ts := time.Date(n.Year(), n.Month(), n.Day(), hour, 0, 0, 0, time.UTC)
	return &ts
}

func TestIngestAndDetect(t *testing.T) {
	s := createTestStack(t)

	resp := s.ingest(t, domain.TransactionRequest{
		TransactionID: "tx-odd",
		UserID:        "user-odd",
		Timestamp:     oddHourAt(3),
		Amount:        50,
		PaymentMethod: "card",
		Location:      "New York",
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
	}, 1)

	t.Run("TransactionRetrievable", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/transactions/"+resp.TransactionID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var tx domain.Transaction
		if err := json.Unmarshal(rr.Body.Bytes(), &tx); err != nil {
			t.Fatalf("failed to parse transaction: %v", err)
		}
		if tx.Status != "SUCCESS" {
			t.Errorf("expected defaulted status SUCCESS, got %s", tx.Status)
		}
	})

	t.Run("AnomalyListed", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/anomalies/recent", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var listing struct {
			Count   int64                  `json:"count"`
			Entries []*domain.FraudLogEntry `json:"entries"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to parse listing: %v", err)
		}
		if listing.Count != 1 || len(listing.Entries) != 1 {
			t.Fatalf("expected 1 entry, got count=%d len=%d", listing.Count, len(listing.Entries))
		}

		entry := listing.Entries[0]
		if entry.TransactionID != "tx-odd" {
			t.Errorf("expected tx-odd, got %s", entry.TransactionID)
		}
		if len(entry.Reasons) != 1 || entry.Reasons[0].Code != domain.CodeOddHour {
			t.Errorf("expected odd-hour reason, got %+v", entry.Reasons)
		}
		if entry.RiskScore != 15 {
			t.Errorf("expected risk score 15, got %d", entry.RiskScore)
		}
		if entry.DetectionVersion != domain.DetectionVersion {
			t.Errorf("unexpected detection version %s", entry.DetectionVersion)
		}

		t.Run("PointRead", func(t *testing.T) {
			rr := s.do(t, http.MethodGet, "/anomalies/"+entry.ID, nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
		})
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/transactions", domain.TransactionRequest{
			TransactionID: "tx-odd",
			UserID:        "user-odd",
			Amount:        50,
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestIngestValidation(t *testing.T) {
	s := createTestStack(t)

	t.Run("MissingUserID", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/transactions", domain.TransactionRequest{Amount: 10})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/transactions", domain.TransactionRequest{UserID: "u", Amount: -1})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("MalformedBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader("{nope"))
		rr := httptest.NewRecorder()
		s.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/transactions/tx-nope", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestPurge(t *testing.T) {
	s := createTestStack(t)

	s.ingest(t, domain.TransactionRequest{
		TransactionID: "tx-p1",
		UserID:        "user-p1",
		Timestamp:     oddHourAt(2),
		Amount:        50,
		DeviceID:      "device-1",
		IPAddress:     "10.0.0.1",
		Location:      "New York",
	}, 1)

	rr := s.do(t, http.MethodDelete, "/anomalies", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp map[string]int64
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["deleted"] != 1 {
		t.Errorf("expected deleted=1, got %d", resp["deleted"])
	}

	// Purge of an empty log reports zero.
	rr = s.do(t, http.MethodDelete, "/anomalies", nil)
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["deleted"] != 0 {
		t.Errorf("expected deleted=0, got %d", resp["deleted"])
	}
}

func TestFraudAnalysis(t *testing.T) {
	s := createTestStack(t)

	// One odd-hour user and one structuring burst from another.
	s.ingest(t, domain.TransactionRequest{
		TransactionID: "tx-a1",
		UserID:        "user-a",
		Timestamp:     oddHourAt(1),
		Amount:        50,
		DeviceID:      "device-a",
		IPAddress:     "10.0.0.1",
		Location:      "New York",
	}, 1)

	rr := s.do(t, http.MethodGet, "/fraud/analysis", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var report analytics.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}

	if report.RiskDistribution.Low != 1 {
		t.Errorf("expected 1 low-band entry, got %+v", report.RiskDistribution)
	}
	if report.PatternCounts[domain.CodeOddHour] != 1 {
		t.Errorf("expected odd-hour pattern count 1, got %v", report.PatternCounts)
	}
	if report.HighRiskTxns == nil || report.GeoAnomalies == nil {
		t.Error("expected empty arrays, not null")
	}
}

func TestCustomRuleLifecycle(t *testing.T) {
	s := createTestStack(t)

	t.Run("Create", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "rule-crypto",
			Code:       "CRYPTO_PAYMENT",
			Expression: `payment_method == "crypto"`,
			Message:    "Crypto payment flagged",
			Enabled:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("RejectInvalidExpression", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "rule-bad",
			Code:       "BAD",
			Expression: "amount >",
			Enabled:    true,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/rules/rule-crypto", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		rr = s.do(t, http.MethodGet, "/rules/rule-missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var listing struct {
			Count  int `json:"count"`
			Loaded int `json:"loaded"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to parse listing: %v", err)
		}
		if listing.Count != 1 || listing.Loaded != 1 {
			t.Errorf("expected 1 rule saved and loaded, got %+v", listing)
		}
	})

	t.Run("CustomRuleFires", func(t *testing.T) {
		s.ingest(t, domain.TransactionRequest{
			TransactionID: "tx-crypto",
			UserID:        "user-crypto",
			Timestamp:     oddHourAt(14),
			Amount:        50,
			PaymentMethod: "crypto",
			DeviceID:      "device-c",
			IPAddress:     "10.0.0.1",
			Location:      "New York",
		}, 1)

		rr := s.do(t, http.MethodGet, "/anomalies/recent", nil)
		var listing struct {
			Entries []*domain.FraudLogEntry `json:"entries"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil {
			t.Fatalf("failed to parse listing: %v", err)
		}
		if len(listing.Entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(listing.Entries))
		}

		entry := listing.Entries[0]
		if entry.Reasons[0].Code != "CRYPTO_PAYMENT" {
			t.Errorf("expected custom code, got %+v", entry.Reasons)
		}
		if entry.RiskScore != 5 {
			t.Errorf("custom codes score the residual weight, got %d", entry.RiskScore)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := s.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	s := createTestStack(t)

	t.Run("Health", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var resp map[string]string
		_ = json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := s.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_transactions_ingested_total") {
			t.Error("expected pipeline metrics in scrape output")
		}
	})
}

// readStreamEntries scans an SSE body and forwards each anomaly payload.
// The channel closes when the stream ends. Safe for a spawned goroutine:
// it never touches testing.T.
func readStreamEntries(body io.Reader) <-chan []byte {
	entries := make(chan []byte, 4)
	go func() {
		defer close(entries)
		scanner := bufio.NewScanner(body)
		var sawEvent bool
		for scanner.Scan() {
			line := scanner.Text()
			if line == "event: anomaly" {
				sawEvent = true
			}
			if sawEvent && strings.HasPrefix(line, "data: ") {
				entries <- []byte(strings.TrimPrefix(line, "data: "))
				sawEvent = false
			}
		}
	}()
	return entries
}

func TestStreamAnomalies(t *testing.T) {
	s := createTestStack(t)

	srv := httptest.NewServer(s.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/anomalies/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %s", got)
	}

	entries := readStreamEntries(resp.Body)

	s.ingest(t, domain.TransactionRequest{
		TransactionID: "tx-sse",
		UserID:        "user-sse",
		Timestamp:     oddHourAt(4),
		Amount:        50,
		DeviceID:      "device-s",
		IPAddress:     "10.0.0.1",
		Location:      "New York",
	}, 1)

	select {
	case payload, ok := <-entries:
		if !ok {
			t.Fatal("stream ended before an anomaly event arrived")
		}
		var entry domain.FraudLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			t.Fatalf("failed to parse streamed entry: %v", err)
		}
		if entry.TransactionID != "tx-sse" {
			t.Errorf("expected tx-sse, got %s", entry.TransactionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for streamed anomaly")
	}
}

func TestStreamOutlivesServerWriteTimeout(t *testing.T) {
	s := createTestStack(t)

	// A server write deadline shorter than the subscriber's lifetime must
	// not sever the stream.
	srv := httptest.NewUnstartedServer(s.server.Router())
	srv.Config.WriteTimeout = time.Second
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/anomalies/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	entries := readStreamEntries(resp.Body)

	// Flag an anomaly only after the deadline would have fired.
	time.Sleep(1500 * time.Millisecond)
	s.ingest(t, domain.TransactionRequest{
		TransactionID: "tx-sse-late",
		UserID:        "user-sse-late",
		Timestamp:     oddHourAt(2),
		Amount:        50,
		DeviceID:      "device-s",
		IPAddress:     "10.0.0.1",
		Location:      "New York",
	}, 1)

	select {
	case payload, ok := <-entries:
		if !ok {
			t.Fatal("stream was severed by the server write deadline")
		}
		var entry domain.FraudLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			t.Fatalf("failed to parse streamed entry: %v", err)
		}
		if entry.TransactionID != "tx-sse-late" {
			t.Errorf("expected tx-sse-late, got %s", entry.TransactionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for streamed anomaly")
	}
}
