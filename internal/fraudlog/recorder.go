// Package fraudlog persists flagged transactions and announces them.
package fraudlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Recorder turns an evaluation's reasons into a persisted fraud-log entry
// and publishes it on the fraud-log feed.
type Recorder struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to the given repository and
// announcing entries on the given bus.
func NewRecorder(repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		bus:    bus,
		logger: logger,
	}
}

// Record persists a fraud-log entry for a flagged transaction. A clean
// evaluation (no reasons) records nothing and returns nil, nil. The
// broadcast publish is best effort: a failed publish is logged, not
// returned, because the entry is already durable.
func (r *Recorder) Record(ctx context.Context, tx *domain.Transaction, reasons []domain.AnomalyReason) (*domain.FraudLogEntry, error) {
	if len(reasons) == 0 {
		return nil, nil
	}

	entry := &domain.FraudLogEntry{
		ID:               uuid.New().String(),
		TransactionID:    tx.TransactionID,
		UserID:           tx.UserID,
		Timestamp:        tx.Timestamp,
		AnomalyDetected:  true,
		RiskScore:        scoring.Score(reasons),
		Reasons:          reasons,
		DetectionVersion: domain.DetectionVersion,
	}

	if err := r.repo.SaveFraudLogEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to save fraud log entry: %w", err)
	}

	r.logger.Info("fraud log entry recorded",
		"entry_id", entry.ID,
		"transaction_id", entry.TransactionID,
		"user_id", entry.UserID,
		"risk_score", entry.RiskScore,
		"reasons", len(entry.Reasons))

	payload, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error("failed to marshal fraud log entry", "entry_id", entry.ID, "error", err)
		return entry, nil
	}

	if err := r.bus.Publish(ctx, domain.TopicFraudLogged, payload); err != nil {
		r.logger.Error("failed to publish fraud log entry",
			"entry_id", entry.ID,
			"error", err)
	}

	return entry, nil
}
