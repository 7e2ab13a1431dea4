// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence: the append-only
// transaction store, the fraud log, and custom-rule configurations.
type Repository interface {
	// Transaction store operations. Transactions are insert-only.
	SaveTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)

	// Historical-context queries used by the rule engine. All windows are
	// [since, now]; the current transaction is excluded where the rule
	// semantics call for prior history only.
	AverageUserAmount(ctx context.Context, userID string, since time.Time, excludeTxID string) (avg float64, count int64, err error)
	CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error)
	LatestPriorTransaction(ctx context.Context, userID string, excludeTxID string) (*Transaction, error)
	CountDistinctDeviceUsers(ctx context.Context, deviceID string, since time.Time) (int64, error)
	SumUserAmounts(ctx context.Context, userID string, since time.Time) (float64, error)
	CountUserTransactionsInRange(ctx context.Context, userID string, since time.Time, minAmount, maxAmount float64) (int64, error)

	// Fraud log operations. Entries are insert-only apart from the bulk
	// purge, which removes everything and reports the count.
	SaveFraudLogEntry(ctx context.Context, entry *FraudLogEntry) error
	GetFraudLogEntry(ctx context.Context, entryID string) (*FraudLogEntry, error)
	RecentFraudLogEntries(ctx context.Context, limit int) ([]*FraudLogEntry, error)
	CountFraudLogEntries(ctx context.Context) (int64, error)
	PurgeFraudLog(ctx context.Context) (int64, error)

	// Analytics rollups over both stores.
	RiskDistribution(ctx context.Context) (*RiskDistribution, error)
	ReasonCodeCounts(ctx context.Context) (map[string]int64, error)
	HighRiskEntries(ctx context.Context, since time.Time, minScore int, limit int) ([]*FraudLogEntry, error)
	HourlyTrend(ctx context.Context, since time.Time) ([]TrendBucket, error)
	CrossUserDevices(ctx context.Context, since time.Time, minUsers int, limit int) ([]DeviceUsage, error)
	EntriesWithReasonCode(ctx context.Context, code string, limit int) ([]*FraudLogEntry, error)

	// Custom-rule configuration operations.
	SaveCustomRule(ctx context.Context, rule *CustomRule) error
	GetCustomRule(ctx context.Context, ruleID string) (*CustomRule, error)
	ListCustomRules(ctx context.Context) ([]*CustomRule, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RiskDistribution is the risk-score bucket histogram: low 0-30,
// medium 31-60, high 61-80, critical 81-99.
type RiskDistribution struct {
	Low      int64 `json:"low"`
	Medium   int64 `json:"medium"`
	High     int64 `json:"high"`
	Critical int64 `json:"critical"`
}

// TrendBucket is one hourly bucket of flagged-entry counts.
type TrendBucket struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// DeviceUsage describes a device shared across users in a time window.
type DeviceUsage struct {
	DeviceID         string `json:"device_id"`
	UserCount        int64  `json:"user_count"`
	TransactionCount int64  `json:"transaction_count"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
