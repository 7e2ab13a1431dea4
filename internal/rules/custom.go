package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// customRuleSet holds the compiled operator-defined CEL rules. Rules are
// kept in load order because the engine's output order is part of its
// contract.
type customRuleSet struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*compiledRule
}

type compiledRule struct {
	config  *domain.CustomRule
	program cel.Program
}

func newCustomRuleSet() (*customRuleSet, error) {
	// The environment exposes the transaction fields both as flat
	// variables and as a tx map for expressions that prefer either style.
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &customRuleSet{env: env}, nil
}

func (s *customRuleSet) validate(rule *domain.CustomRule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.compile(rule)
	return err
}

func (s *customRuleSet) load(rule *domain.CustomRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	compiled, err := s.compile(rule)
	if err != nil {
		return err
	}

	for i, existing := range s.rules {
		if existing.config.ID == rule.ID {
			s.rules[i] = compiled
			return nil
		}
	}

	s.rules = append(s.rules, compiled)
	return nil
}

func (s *customRuleSet) reload(rules []*domain.CustomRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := s.compile(rule)
		if err != nil {
			return err
		}
		next = append(next, compiled)
	}

	s.rules = next
	return nil
}

func (s *customRuleSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// evaluate runs each loaded rule against the transaction. A rule that
// errors is logged and skipped, same as a built-in check.
func (s *customRuleSet) evaluate(ctx context.Context, tx *domain.Transaction, logger *slog.Logger) []domain.AnomalyReason {
	s.mu.RLock()
	rules := make([]*compiledRule, len(s.rules))
	copy(rules, s.rules)
	s.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"tx": map[string]any{
			"transaction_id": tx.TransactionID,
			"user_id":        tx.UserID,
			"amount":         tx.Amount,
			"payment_method": tx.PaymentMethod,
			"location":       tx.Location,
			"device_id":      tx.DeviceID,
			"ip_address":     tx.IPAddress,
			"status":         tx.Status,
		},
		"amount":         tx.Amount,
		"user_id":        tx.UserID,
		"device_id":      tx.DeviceID,
		"ip_address":     tx.IPAddress,
		"location":       tx.Location,
		"payment_method": tx.PaymentMethod,
		"status":         tx.Status,
		"hour":           int64(tx.Timestamp.UTC().Hour()),
	}

	var reasons []domain.AnomalyReason
	for _, rule := range rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			logger.Warn("custom rule failed",
				"rule_id", rule.config.ID,
				"transaction_id", tx.TransactionID,
				"error", err)
			continue
		}

		if truthy(out) {
			reasons = append(reasons, domain.AnomalyReason{
				Code:    rule.config.Code,
				Message: fmt.Sprintf("%s (amount %.2f)", rule.config.Message, tx.Amount),
			})
		}
	}
	return reasons
}

func (s *customRuleSet) compile(rule *domain.CustomRule) (*compiledRule, error) {
	ast, issues := s.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := s.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{config: rule, program: program}, nil
}

func truthy(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}
