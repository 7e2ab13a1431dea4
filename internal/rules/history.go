package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HistoryReader provides the historical-context queries the rule checks
// depend on. domain.Repository satisfies it.
type HistoryReader interface {
	AverageUserAmount(ctx context.Context, userID string, since time.Time, excludeTxID string) (float64, int64, error)
	CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error)
	LatestPriorTransaction(ctx context.Context, userID string, excludeTxID string) (*domain.Transaction, error)
	CountDistinctDeviceUsers(ctx context.Context, deviceID string, since time.Time) (int64, error)
	SumUserAmounts(ctx context.Context, userID string, since time.Time) (float64, error)
	CountUserTransactionsInRange(ctx context.Context, userID string, since time.Time, minAmount, maxAmount float64) (int64, error)
}

// historyTTL bounds how stale a memoized lookup may be. Several checks
// share the same prior-transaction and average lookups, so even a short
// TTL collapses the per-evaluation query count.
const historyTTL = 30 * time.Second

// CachedHistory decorates a HistoryReader with a cache. Lookups that
// multiple checks share within one evaluation hit the store once.
type CachedHistory struct {
	reader HistoryReader
	cache  domain.Cache
}

// NewCachedHistory wraps a reader with the given cache.
func NewCachedHistory(reader HistoryReader, c domain.Cache) *CachedHistory {
	return &CachedHistory{reader: reader, cache: c}
}

type averageResult struct {
	Avg   float64 `json:"avg"`
	Count int64   `json:"count"`
}

func (h *CachedHistory) AverageUserAmount(ctx context.Context, userID string, since time.Time, excludeTxID string) (float64, int64, error) {
	key := fmt.Sprintf("hist:avg:%s:%s:%d", userID, excludeTxID, since.Unix())

	if data, err := h.cache.Get(ctx, key); err == nil && data != nil {
		var res averageResult
		if json.Unmarshal(data, &res) == nil {
			return res.Avg, res.Count, nil
		}
	}

	avg, count, err := h.reader.AverageUserAmount(ctx, userID, since, excludeTxID)
	if err != nil {
		return 0, 0, err
	}

	if data, err := json.Marshal(averageResult{Avg: avg, Count: count}); err == nil {
		_ = h.cache.Set(ctx, key, data, historyTTL)
	}
	return avg, count, nil
}

func (h *CachedHistory) LatestPriorTransaction(ctx context.Context, userID string, excludeTxID string) (*domain.Transaction, error) {
	key := fmt.Sprintf("hist:prior:%s:%s", userID, excludeTxID)

	if data, err := h.cache.Get(ctx, key); err == nil && data != nil {
		if string(data) == "null" {
			return nil, nil
		}
		var tx domain.Transaction
		if json.Unmarshal(data, &tx) == nil {
			return &tx, nil
		}
	}

	tx, err := h.reader.LatestPriorTransaction(ctx, userID, excludeTxID)
	if err != nil {
		return nil, err
	}

	// A nil result is cached too: no-history users are the common case
	// for the checks that need a prior transaction.
	if data, err := json.Marshal(tx); err == nil {
		_ = h.cache.Set(ctx, key, data, historyTTL)
	}
	return tx, nil
}

// The count and sum lookups are window-anchored to the evaluation clock,
// so their keys change every second and rarely repeat. They pass through.

func (h *CachedHistory) CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error) {
	return h.reader.CountUserTransactions(ctx, userID, since)
}

func (h *CachedHistory) CountDistinctDeviceUsers(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	return h.reader.CountDistinctDeviceUsers(ctx, deviceID, since)
}

func (h *CachedHistory) SumUserAmounts(ctx context.Context, userID string, since time.Time) (float64, error) {
	return h.reader.SumUserAmounts(ctx, userID, since)
}

func (h *CachedHistory) CountUserTransactionsInRange(ctx context.Context, userID string, since time.Time, minAmount, maxAmount float64) (int64, error) {
	return h.reader.CountUserTransactionsInRange(ctx, userID, since, minAmount, maxAmount)
}
