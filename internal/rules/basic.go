package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Basic tier thresholds.
const (
	outlierWindow     = 30 * 24 * time.Hour
	outlierMultiplier = 3.0

	rapidWindow    = 2 * time.Minute
	rapidThreshold = 5

	oddHourEnd = 5 // [00:00, 05:00)
)

// checkHighAmountOutlier flags a transaction whose amount exceeds three
// times the user's 30-day average. The current transaction is excluded
// from the average so the baseline reflects prior history only; users
// with no prior history never fire.
func (e *Engine) checkHighAmountOutlier(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	since := e.now().Add(-outlierWindow)

	avg, count, err := e.history.AverageUserAmount(ctx, tx.UserID, since, tx.TransactionID)
	if err != nil {
		return nil, err
	}
	if count == 0 || avg <= 0 {
		return nil, nil
	}

	if tx.Amount > outlierMultiplier*avg {
		return &domain.AnomalyReason{
			Code:    domain.CodeHighAmountOutlier,
			Message: fmt.Sprintf("Amount %v > 3x avg %.2f", tx.Amount, avg),
		}, nil
	}
	return nil, nil
}

// checkRapidTransactions flags a burst of activity: five or more
// transactions in the trailing two minutes, counting the current one.
func (e *Engine) checkRapidTransactions(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	since := e.now().Add(-rapidWindow)

	count, err := e.history.CountUserTransactions(ctx, tx.UserID, since)
	if err != nil {
		return nil, err
	}

	if count >= rapidThreshold {
		return &domain.AnomalyReason{
			Code:    domain.CodeRapidTxns,
			Message: fmt.Sprintf("%d txns in last 2 minutes", count),
		}, nil
	}
	return nil, nil
}

// checkLocationDeviceMismatch compares the transaction against the user's
// most recent prior transaction and flags a change of device or IP.
func (e *Engine) checkLocationDeviceMismatch(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	prior, err := e.history.LatestPriorTransaction(ctx, tx.UserID, tx.TransactionID)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}

	if prior.DeviceID != tx.DeviceID || prior.IPAddress != tx.IPAddress {
		return &domain.AnomalyReason{
			Code:    domain.CodeLocationDeviceMismatch,
			Message: "Device/IP mismatch from previous txn",
		}, nil
	}
	return nil, nil
}

// checkOddHour flags transactions timestamped between midnight and 5am UTC.
func (e *Engine) checkOddHour(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	hour := tx.Timestamp.UTC().Hour()
	if hour < oddHourEnd {
		return &domain.AnomalyReason{
			Code:    domain.CodeOddHour,
			Message: fmt.Sprintf("Transaction at %d:00", hour),
		}, nil
	}
	return nil, nil
}
