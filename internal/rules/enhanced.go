package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Enhanced tier thresholds.
const (
	crossUserWindow    = 24 * time.Hour
	crossUserThreshold = 3

	travelWindow = 2 * time.Hour

	velocityWindow     = 24 * time.Hour
	velocityMultiplier = 5.0
	dailyAverageRef    = 500.0 // fixed reference until per-user baselines land

	structuringWindow = 24 * time.Hour
	structuringMin    = 9000.0
	structuringMax    = 10000.0
	structuringCount  = 3

	takeoverAmount = 5000.0
	takeoverWindow = time.Hour
)

// checkCrossUserDevice flags a device shared by more than three distinct
// users within 24 hours.
func (e *Engine) checkCrossUserDevice(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	since := e.now().Add(-crossUserWindow)

	users, err := e.history.CountDistinctDeviceUsers(ctx, tx.DeviceID, since)
	if err != nil {
		return nil, err
	}

	if users > crossUserThreshold {
		return &domain.AnomalyReason{
			Code:    domain.CodeCrossUserDevice,
			Message: fmt.Sprintf("Device used by %d different users in 24h", users),
		}, nil
	}
	return nil, nil
}

// checkImpossibleTravel flags a location change faster than plausible
// travel: a different location than the prior transaction with under two
// hours elapsed between them.
func (e *Engine) checkImpossibleTravel(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	prior, err := e.history.LatestPriorTransaction(ctx, tx.UserID, tx.TransactionID)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.Location == tx.Location {
		return nil, nil
	}

	elapsed := tx.Timestamp.Sub(prior.Timestamp)
	if elapsed < travelWindow {
		return &domain.AnomalyReason{
			Code:    domain.CodeImpossibleTravel,
			Message: fmt.Sprintf("Location changed from %s to %s in %.1fh", prior.Location, tx.Location, elapsed.Hours()),
		}, nil
	}
	return nil, nil
}

// checkHighVelocitySpending flags 24-hour spend, including the current
// transaction, above five times the daily-average reference.
func (e *Engine) checkHighVelocitySpending(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	since := e.now().Add(-velocityWindow)

	sum, err := e.history.SumUserAmounts(ctx, tx.UserID, since)
	if err != nil {
		return nil, err
	}

	if sum > velocityMultiplier*dailyAverageRef {
		return &domain.AnomalyReason{
			Code:    domain.CodeHighVelocitySpending,
			Message: fmt.Sprintf("Spent %.2f in 24h (5x daily average)", sum),
		}, nil
	}
	return nil, nil
}

// checkStructuringPattern flags repeated amounts just under the 10k
// reporting threshold: three or more transactions in [9000, 10000) within
// 24 hours.
func (e *Engine) checkStructuringPattern(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	since := e.now().Add(-structuringWindow)

	count, err := e.history.CountUserTransactionsInRange(ctx, tx.UserID, since, structuringMin, structuringMax)
	if err != nil {
		return nil, err
	}

	if count >= structuringCount {
		return &domain.AnomalyReason{
			Code:    domain.CodeStructuringPattern,
			Message: fmt.Sprintf("%d transactions just under 10k threshold", count),
		}, nil
	}
	return nil, nil
}

// checkAccountTakeoverRisk flags a large transaction from a new device
// shortly after the prior one: different device, amount above 5000, and
// under an hour elapsed.
func (e *Engine) checkAccountTakeoverRisk(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error) {
	prior, err := e.history.LatestPriorTransaction(ctx, tx.UserID, tx.TransactionID)
	if err != nil {
		return nil, err
	}
	if prior == nil || prior.DeviceID == tx.DeviceID {
		return nil, nil
	}

	elapsed := tx.Timestamp.Sub(prior.Timestamp)
	if tx.Amount > takeoverAmount && elapsed < takeoverWindow {
		return &domain.AnomalyReason{
			Code:    domain.CodeAccountTakeoverRisk,
			Message: fmt.Sprintf("New device + %.2f transaction within %.1fh", tx.Amount, elapsed.Hours()),
		}, nil
	}
	return nil, nil
}
