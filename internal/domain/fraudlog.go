package domain

import (
	"time"
)

// Built-in anomaly reason codes. The weight each code contributes to the
// risk score lives in the scoring package; codes outside this set (custom
// rules) contribute a residual weight.
const (
	CodeHighAmountOutlier      = "HIGH_AMOUNT_OUTLIER"
	CodeRapidTxns              = "RAPID_TXNS"
	CodeLocationDeviceMismatch = "LOCATION_DEVICE_MISMATCH"
	CodeOddHour                = "ODD_HOUR"
	CodeCrossUserDevice        = "CROSS_USER_DEVICE"
	CodeImpossibleTravel       = "IMPOSSIBLE_TRAVEL"
	CodeHighVelocitySpending   = "HIGH_VELOCITY_SPENDING"
	CodeStructuringPattern     = "STRUCTURING_PATTERN"
	CodeAccountTakeoverRisk    = "ACCOUNT_TAKEOVER_RISK"
)

// DetectionVersion tags each fraud-log entry with the rule-set generation
// that produced it, so historical records survive rule-set changes.
const DetectionVersion = "2.0"

// AnomalyReason is a coded, explained signal that a transaction looks
// suspicious. Reasons are produced transiently by rule predicates and are
// only persisted embedded in a FraudLogEntry.
type AnomalyReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FraudLogEntry is the persisted record of a flagged transaction. One is
// created exactly when a transaction's evaluation yields at least one
// reason. Entries are immutable after creation; the only delete path is the
// administrative bulk purge.
type FraudLogEntry struct {
	ID               string          `json:"id"`
	TransactionID    string          `json:"transaction_id"`
	UserID           string          `json:"user_id"`
	Timestamp        time.Time       `json:"timestamp"`
	AnomalyDetected  bool            `json:"anomaly_detected"`
	RiskScore        int             `json:"risk_score"`
	Reasons          []AnomalyReason `json:"reason"`
	DetectionVersion string          `json:"detection_version"`
}
