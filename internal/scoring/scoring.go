// Package scoring maps anomaly reasons to a bounded risk score.
package scoring

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore caps the risk score. The score is a saturating sum, not a
// probability: past the cap, more reasons add no information.
const MaxScore = 99

// ResidualWeight is the contribution of any reason code outside the
// built-in weight table, including custom-rule codes.
const ResidualWeight = 5

// Severity bands over the bounded score.
const (
	BandLowMax    = 30
	BandMediumMax = 60
	BandHighMax   = 80
)

// weights assigns each built-in reason code its risk contribution.
var weights = map[string]int{
	domain.CodeHighAmountOutlier:      40,
	domain.CodeRapidTxns:              25,
	domain.CodeLocationDeviceMismatch: 20,
	domain.CodeOddHour:                15,
	domain.CodeCrossUserDevice:        35,
	domain.CodeImpossibleTravel:       30,
	domain.CodeHighVelocitySpending:   25,
	domain.CodeStructuringPattern:     40,
	domain.CodeAccountTakeoverRisk:    45,
}

// Weight returns the risk contribution for a reason code.
func Weight(code string) int {
	if w, ok := weights[code]; ok {
		return w
	}
	return ResidualWeight
}

// Score sums each reason's weight and clamps the result to [0, MaxScore].
// No reasons score zero; duplicate codes each contribute.
func Score(reasons []domain.AnomalyReason) int {
	total := 0
	for _, r := range reasons {
		total += Weight(r.Code)
	}
	if total > MaxScore {
		return MaxScore
	}
	return total
}

// Band names the severity bucket a score falls in.
func Band(score int) string {
	switch {
	case score <= BandLowMax:
		return "low"
	case score <= BandMediumMax:
		return "medium"
	case score <= BandHighMax:
		return "high"
	default:
		return "critical"
	}
}
