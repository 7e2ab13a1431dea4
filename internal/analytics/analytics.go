// Package analytics composes fraud-log rollups into the analysis report.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Report parameters.
const (
	reportWindow     = 24 * time.Hour
	highRiskMinScore = 70
	highRiskLimit    = 20
	crossUserMin     = 2
	crossUserLimit   = 10
	geoLimit         = 10
)

// Report is the full fraud-analysis response.
type Report struct {
	RiskDistribution domain.RiskDistribution `json:"riskDistribution"`
	PatternCounts    map[string]int64        `json:"patternCounts"`
	HighRiskTxns     []*domain.FraudLogEntry `json:"highRiskTxns"`
	TrendData        []TrendPoint            `json:"trendData"`
	CrossUserDevices []domain.DeviceUsage    `json:"crossUserDevices"`
	GeoAnomalies     []GeoAnomaly            `json:"geoAnomalies"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// TrendPoint is one labeled hourly bucket.
type TrendPoint struct {
	Hour  string `json:"hour"`
	Count int64  `json:"count"`
}

// GeoAnomaly is an impossible-travel entry with the locations and elapsed
// time recovered from the reason message.
type GeoAnomaly struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ElapsedHours  float64   `json:"elapsed_hours"`
	Timestamp     time.Time `json:"timestamp"`
}

// Aggregator builds reports from repository rollups.
type Aggregator struct {
	repo   domain.Repository
	logger *slog.Logger

	now func() time.Time
}

// NewAggregator creates an aggregator over the given repository.
func NewAggregator(repo domain.Repository, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Report assembles the full analysis. Each section queries independently;
// the first failing rollup aborts the report.
func (a *Aggregator) Report(ctx context.Context) (*Report, error) {
	now := a.now().UTC()
	since := now.Add(-reportWindow)

	dist, err := a.repo.RiskDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk distribution: %w", err)
	}

	counts, err := a.repo.ReasonCodeCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("pattern counts: %w", err)
	}

	highRisk, err := a.repo.HighRiskEntries(ctx, since, highRiskMinScore, highRiskLimit)
	if err != nil {
		return nil, fmt.Errorf("high risk entries: %w", err)
	}

	trend, err := a.repo.HourlyTrend(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("hourly trend: %w", err)
	}

	devices, err := a.repo.CrossUserDevices(ctx, since, crossUserMin, crossUserLimit)
	if err != nil {
		return nil, fmt.Errorf("cross user devices: %w", err)
	}

	travel, err := a.repo.EntriesWithReasonCode(ctx, domain.CodeImpossibleTravel, geoLimit)
	if err != nil {
		return nil, fmt.Errorf("geo anomalies: %w", err)
	}

	report := &Report{
		RiskDistribution: *dist,
		PatternCounts:    counts,
		HighRiskTxns:     highRisk,
		TrendData:        make([]TrendPoint, 0, len(trend)),
		CrossUserDevices: devices,
		GeoAnomalies:     make([]GeoAnomaly, 0, len(travel)),
		GeneratedAt:      now,
	}
	if report.HighRiskTxns == nil {
		report.HighRiskTxns = []*domain.FraudLogEntry{}
	}
	if report.CrossUserDevices == nil {
		report.CrossUserDevices = []domain.DeviceUsage{}
	}
	if report.PatternCounts == nil {
		report.PatternCounts = map[string]int64{}
	}

	for _, b := range trend {
		report.TrendData = append(report.TrendData, TrendPoint{
			Hour:  fmt.Sprintf("%d:00", b.Hour),
			Count: b.Count,
		})
	}

	for _, entry := range travel {
		geo, ok := a.geoAnomalyFromEntry(entry)
		if !ok {
			continue
		}
		report.GeoAnomalies = append(report.GeoAnomalies, geo)
	}

	return report, nil
}

// geoAnomalyFromEntry recovers the from/to locations and elapsed hours
// from an impossible-travel reason message of the form
// "Location changed from X to Y in 1.5h".
func (a *Aggregator) geoAnomalyFromEntry(entry *domain.FraudLogEntry) (GeoAnomaly, bool) {
	var message string
	for _, r := range entry.Reasons {
		if r.Code == domain.CodeImpossibleTravel {
			message = r.Message
			break
		}
	}

	from, to, elapsed, ok := parseTravelMessage(message)
	if !ok {
		a.logger.Warn("unparseable impossible travel message",
			"entry_id", entry.ID,
			"message", message)
		return GeoAnomaly{}, false
	}

	return GeoAnomaly{
		TransactionID: entry.TransactionID,
		UserID:        entry.UserID,
		From:          from,
		To:            to,
		ElapsedHours:  elapsed,
		Timestamp:     entry.Timestamp,
	}, true
}

func parseTravelMessage(message string) (from, to string, elapsed float64, ok bool) {
	_, rest, found := strings.Cut(message, " from ")
	if !found {
		return "", "", 0, false
	}

	from, rest, found = cutLast(rest, " to ")
	if !found {
		return "", "", 0, false
	}

	to, hours, found := cutLast(rest, " in ")
	if !found {
		return "", "", 0, false
	}

	elapsed, err := strconv.ParseFloat(strings.TrimSuffix(hours, "h"), 64)
	if err != nil {
		return "", "", 0, false
	}

	return from, to, elapsed, true
}

// cutLast splits around the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
