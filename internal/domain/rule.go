package domain

import (
	"time"
)

// CustomRule defines an operator-configured anomaly rule evaluated after
// the built-in tiers. The expression is CEL over the transaction fields;
// a truthy result emits an AnomalyReason with the configured code. Codes
// outside the built-in set score the residual weight.
type CustomRule struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`

	// CEL expression to evaluate
	Expression string `json:"expression"`

	// Message template; the matched transaction amount is appended.
	Message string `json:"message"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
