// Package rules implements the two-tier anomaly rule engine.
package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// checkFunc is one rule predicate. A nil reason means the rule did not
// fire; an error means the check could not run and is skipped.
type checkFunc func(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyReason, error)

type namedCheck struct {
	name  string
	check checkFunc
}

// Engine evaluates every anomaly rule against one transaction and returns
// the fired reasons in a deterministic order: the basic tier first, then
// the enhanced tier, then custom rules in load order.
type Engine struct {
	history HistoryReader
	logger  *slog.Logger
	custom  *customRuleSet

	// now anchors the lookback windows. Injectable for tests.
	now func() time.Time

	basic    []namedCheck
	enhanced []namedCheck
}

// NewEngine creates a rule engine reading historical context from the
// given reader.
func NewEngine(history HistoryReader, logger *slog.Logger) (*Engine, error) {
	custom, err := newCustomRuleSet()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		history: history,
		logger:  logger,
		custom:  custom,
		now:     time.Now,
	}

	e.basic = []namedCheck{
		{"high_amount_outlier", e.checkHighAmountOutlier},
		{"rapid_transactions", e.checkRapidTransactions},
		{"location_device_mismatch", e.checkLocationDeviceMismatch},
		{"odd_hour", e.checkOddHour},
	}
	e.enhanced = []namedCheck{
		{"cross_user_device", e.checkCrossUserDevice},
		{"impossible_travel", e.checkImpossibleTravel},
		{"high_velocity_spending", e.checkHighVelocitySpending},
		{"structuring_pattern", e.checkStructuringPattern},
		{"account_takeover_risk", e.checkAccountTakeoverRisk},
	}

	return e, nil
}

// Evaluate runs all rule tiers against a committed transaction. A failed
// check is logged and skipped; it never aborts the evaluation or
// suppresses other checks. The returned order is stable across runs.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) []domain.AnomalyReason {
	reasons := make([]domain.AnomalyReason, 0, len(e.basic)+len(e.enhanced))

	// Basic tier runs sequentially: the checks are cheap indexed lookups.
	for _, c := range e.basic {
		reason, err := c.check(ctx, tx)
		if err != nil {
			e.logger.Warn("rule check failed",
				"check", c.name,
				"transaction_id", tx.TransactionID,
				"error", err)
			continue
		}
		if reason != nil {
			reasons = append(reasons, *reason)
		}
	}

	// Enhanced tier fans out: the checks hit heavier aggregate queries.
	// Results reassemble by check index so the output order stays fixed.
	enhanced := make([]*domain.AnomalyReason, len(e.enhanced))
	var wg sync.WaitGroup

	for i, c := range e.enhanced {
		wg.Add(1)
		go func(idx int, c namedCheck) {
			defer wg.Done()

			reason, err := c.check(ctx, tx)
			if err != nil {
				e.logger.Warn("rule check failed",
					"check", c.name,
					"transaction_id", tx.TransactionID,
					"error", err)
				return
			}
			enhanced[idx] = reason
		}(i, c)
	}
	wg.Wait()

	for _, reason := range enhanced {
		if reason != nil {
			reasons = append(reasons, *reason)
		}
	}

	reasons = append(reasons, e.custom.evaluate(ctx, tx, e.logger)...)

	return reasons
}

// ValidateCustomRule compiles a rule without loading it.
func (e *Engine) ValidateCustomRule(rule *domain.CustomRule) error {
	return e.custom.validate(rule)
}

// LoadCustomRule compiles and appends a custom rule. Reloading an already
// loaded rule ID replaces it in place, keeping its position.
func (e *Engine) LoadCustomRule(rule *domain.CustomRule) error {
	return e.custom.load(rule)
}

// ReloadCustomRules replaces all loaded custom rules with the given set,
// in slice order. Used for hot reload from the store.
func (e *Engine) ReloadCustomRules(rules []*domain.CustomRule) error {
	return e.custom.reload(rules)
}

// CustomRulesCount returns the number of loaded custom rules.
func (e *Engine) CustomRulesCount() int {
	return e.custom.count()
}
