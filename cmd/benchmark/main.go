// Benchmark tool for load-testing Kestrel with synthetic transaction traffic.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -count 10000
//
// This tool:
//   1. Generates synthetic transactions, injecting known fraud patterns
//      (odd-hour activity, structuring bursts, amount outliers) at -fraud-rate
//   2. Sends each transaction to Kestrel's ingest endpoint
//   3. Waits for asynchronous detection to drain
//   4. Compares Kestrel's fraud log against the injected labels and reports
//      precision, recall, and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// IngestRequest mirrors the POST /transactions body.
type IngestRequest struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Location      string    `json:"location"`
	DeviceID      string    `json:"device_id"`
	IPAddress     string    `json:"ip_address"`
}

// FraudLogEntry mirrors the fields of a fraud-log entry the benchmark reads.
type FraudLogEntry struct {
	TransactionID string `json:"transaction_id"`
	RiskScore     int    `json:"risk_score"`
	Reasons       []struct {
		Code string `json:"code"`
	} `json:"reason"`
}

// labeledTransaction pairs a generated transaction with its injected pattern,
// empty for clean traffic.
type labeledTransaction struct {
	req     IngestRequest
	pattern string
}

// Metrics tracks benchmark results.
type Metrics struct {
	Accepted    int64
	Rejected    int64
	TotalErrors int64

	IngestTimeMs int64
}

var locations = []string{"New York", "Chicago", "Austin", "Seattle", "Denver"}
var methods = []string{"card", "bank_transfer", "wallet"}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	count := flag.Int("count", 10000, "Number of transactions to generate")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudRate := flag.Float64("fraud-rate", 0.05, "Fraction of users given an injected fraud pattern")
	seed := flag.Int64("seed", 42, "PRNG seed for reproducible traffic")
	drainWait := flag.Duration("drain", 5*time.Second, "How long to wait for async detection after ingest")
	verbose := flag.Bool("verbose", false, "Print each flagged transaction")
	flag.Parse()

	fmt.Println("=== KESTREL BENCHMARK - Synthetic Fraud Traffic ===")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Count:       %d\n", *count)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	rng := rand.New(rand.NewSource(*seed))
	transactions := generateTraffic(rng, *count, *fraudRate)

	injected := 0
	for _, tx := range transactions {
		if tx.pattern != "" {
			injected++
		}
	}
	fmt.Printf("Generated %d transactions (%d with injected fraud patterns)\n", len(transactions), injected)

	fmt.Printf("\nIngesting with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runIngest(transactions, *baseURL, *workers)
	ingestDuration := time.Since(startTime)

	fmt.Printf("Ingest complete in %v, waiting %v for detection to drain...\n",
		ingestDuration.Round(time.Millisecond), *drainWait)
	time.Sleep(*drainWait)

	flagged, err := fetchFraudLog(*baseURL, len(transactions))
	if err != nil {
		fmt.Printf("ERROR: failed to fetch fraud log: %v\n", err)
		os.Exit(1)
	}

	printResults(transactions, flagged, metrics, ingestDuration, *verbose)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateTraffic builds a transaction stream. Most users produce ordinary
// daytime spending. A fraudRate fraction of users is assigned one injected
// pattern whose transactions the detector should flag.
func generateTraffic(rng *rand.Rand, count int, fraudRate float64) []labeledTransaction {
	var out []labeledTransaction
	now := time.Now().UTC()
	userSeq := 0

	for len(out) < count {
		userSeq++
		userID := fmt.Sprintf("bench-user-%d", userSeq)
		deviceID := fmt.Sprintf("bench-device-%d", userSeq)
		ip := fmt.Sprintf("10.1.%d.%d", userSeq/250, userSeq%250)
		location := locations[rng.Intn(len(locations))]

		baseline := func(hoursAgo float64, amount float64) IngestRequest {
			ts := now.Add(-time.Duration(hoursAgo * float64(time.Hour)))
			// Keep baseline traffic out of the odd-hour window.
			if ts.Hour() < 5 {
				ts = ts.Add(6 * time.Hour)
			}
			return IngestRequest{
				TransactionID: fmt.Sprintf("bench-%d-%d", userSeq, len(out)),
				UserID:        userID,
				Timestamp:     ts,
				Amount:        amount,
				PaymentMethod: methods[rng.Intn(len(methods))],
				Location:      location,
				DeviceID:      deviceID,
				IPAddress:     ip,
			}
		}

		if rng.Float64() < fraudRate {
			switch rng.Intn(3) {
			case 0:
				// Odd-hour: a single transaction in the small hours.
				tx := baseline(30, 20+rng.Float64()*100)
				tx.Timestamp = time.Date(now.Year(), now.Month(), now.Day(), rng.Intn(5), 30, 0, 0, time.UTC).AddDate(0, 0, -1)
				out = append(out, labeledTransaction{req: tx, pattern: "ODD_HOUR"})

			case 1:
				// Structuring: three deposits just under the 10k threshold.
				for i := 0; i < 3 && len(out) < count; i++ {
					tx := baseline(float64(12-i), 9100+rng.Float64()*800)
					out = append(out, labeledTransaction{req: tx, pattern: "STRUCTURING_PATTERN"})
				}

			default:
				// Outlier: modest history then one transaction far above it.
				for i := 0; i < 3 && len(out) < count; i++ {
					out = append(out, labeledTransaction{req: baseline(float64(48 - i), 40+rng.Float64()*20)})
				}
				if len(out) < count {
					tx := baseline(10, 2000+rng.Float64()*3000)
					out = append(out, labeledTransaction{req: tx, pattern: "HIGH_AMOUNT_OUTLIER"})
				}
			}
			continue
		}

		// Clean traffic: a handful of unremarkable daytime purchases.
		n := 1 + rng.Intn(3)
		for i := 0; i < n && len(out) < count; i++ {
			out = append(out, labeledTransaction{req: baseline(float64(20+rng.Intn(40)), 10+rng.Float64()*200)})
		}
	}

	return out
}

func runIngest(transactions []labeledTransaction, baseURL string, numWorkers int) *Metrics {
	metrics := &Metrics{}

	work := make(chan IngestRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				status, err := ingestTransaction(client, baseURL, req)
				atomic.AddInt64(&metrics.IngestTimeMs, time.Since(start).Milliseconds())

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.TotalErrors, 1)
				case status == http.StatusAccepted:
					atomic.AddInt64(&metrics.Accepted, 1)
				default:
					atomic.AddInt64(&metrics.Rejected, 1)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx.req
	}
	close(work)
	wg.Wait()

	return metrics
}

func ingestTransaction(client *http.Client, baseURL string, req IngestRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func fetchFraudLog(baseURL string, limit int) (map[string]FraudLogEntry, error) {
	resp, err := http.Get(fmt.Sprintf("%s/anomalies/recent?limit=%d", baseURL, limit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var listing struct {
		Entries []FraudLogEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, err
	}

	flagged := make(map[string]FraudLogEntry, len(listing.Entries))
	for _, entry := range listing.Entries {
		flagged[entry.TransactionID] = entry
	}
	return flagged, nil
}

func printResults(transactions []labeledTransaction, flagged map[string]FraudLogEntry, m *Metrics, ingestDuration time.Duration, verbose bool) {
	var truePositives, falsePositives, falseNegatives, trueNegatives int64
	patternHits := make(map[string]int)
	patternTotals := make(map[string]int)

	for _, tx := range transactions {
		entry, isFlagged := flagged[tx.req.TransactionID]
		injected := tx.pattern != ""

		if injected {
			patternTotals[tx.pattern]++
		}

		switch {
		case isFlagged && injected:
			truePositives++
			patternHits[tx.pattern]++
		case isFlagged && !injected:
			falsePositives++
		case !isFlagged && injected:
			falseNegatives++
		default:
			trueNegatives++
		}

		if verbose && isFlagged {
			codes := make([]string, 0, len(entry.Reasons))
			for _, r := range entry.Reasons {
				codes = append(codes, r.Code)
			}
			fmt.Printf("  %-24s score=%2d injected=%-20s codes=%v\n",
				tx.req.TransactionID, entry.RiskScore, tx.pattern, codes)
		}
	}

	fmt.Println("\n=== BENCHMARK RESULTS ===")

	fmt.Printf("\nINGEST\n")
	fmt.Printf("   Accepted:   %d\n", m.Accepted)
	fmt.Printf("   Rejected:   %d\n", m.Rejected)
	fmt.Printf("   Errors:     %d\n", m.TotalErrors)
	if m.Accepted > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.IngestTimeMs)/float64(m.Accepted))
		fmt.Printf("   Throughput:  %.2f tx/sec\n", float64(m.Accepted)/ingestDuration.Seconds())
	}

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Flagged:          %d\n", len(flagged))
	fmt.Printf("   True Positives:   %d\n", truePositives)
	fmt.Printf("   False Positives:  %d\n", falsePositives)
	fmt.Printf("   False Negatives:  %d\n", falseNegatives)
	fmt.Printf("   True Negatives:   %d\n", trueNegatives)

	precision := float64(0)
	if truePositives+falsePositives > 0 {
		precision = float64(truePositives) / float64(truePositives+falsePositives)
	}
	recall := float64(0)
	if truePositives+falseNegatives > 0 {
		recall = float64(truePositives) / float64(truePositives+falseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\n   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPER-PATTERN RECALL\n")
	for pattern, total := range patternTotals {
		fmt.Printf("   %-24s %d / %d\n", pattern, patternHits[pattern], total)
	}

	fmt.Println()
}
