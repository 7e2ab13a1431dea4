// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg.SQLitePath)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction appends a transaction to the store. Transactions are
// insert-only; a retried append of the same transaction_id returns
// ErrDuplicate.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.TransactionID == "" || tx.UserID == "" {
		return fmt.Errorf("%w: transaction_id and user_id are required", ErrInvalidInput)
	}
	if tx.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			transaction_id, user_id, timestamp, amount, payment_method,
			location, device_id, ip_address, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.TransactionID, tx.UserID, tx.Timestamp,
		tx.Amount, tx.PaymentMethod,
		tx.Location, tx.DeviceID, tx.IPAddress,
		tx.Status, time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.TransactionID)
		}
		return err
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT transaction_id, user_id, timestamp, amount, payment_method,
			   location, device_id, ip_address, status
		FROM transactions
		WHERE transaction_id = ?
	`

	var tx domain.Transaction
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.TransactionID, &tx.UserID, &tx.Timestamp,
		&tx.Amount, &tx.PaymentMethod,
		&tx.Location, &tx.DeviceID, &tx.IPAddress,
		&tx.Status,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &tx, nil
}

// AverageUserAmount computes the mean transaction amount for a user since
// the given time, excluding the transaction under evaluation so the mean
// reflects prior history only. count reports how many rows contributed.
func (r *SQLRepository) AverageUserAmount(ctx context.Context, userID string, since time.Time, excludeTxID string) (float64, int64, error) {
	query := `
		SELECT COALESCE(AVG(amount), 0), COUNT(*)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND transaction_id != ?
	`

	var avg float64
	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since, excludeTxID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute average amount: %w", err)
	}
	return avg, count, nil
}

// CountUserTransactions counts a user's transactions since the given time,
// inclusive of the transaction under evaluation (it is already committed).
func (r *SQLRepository) CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// LatestPriorTransaction fetches the user's most recent transaction other
// than the one under evaluation. Returns nil, nil when no prior history
// exists.
func (r *SQLRepository) LatestPriorTransaction(ctx context.Context, userID string, excludeTxID string) (*domain.Transaction, error) {
	query := `
		SELECT transaction_id, user_id, timestamp, amount, payment_method,
			   location, device_id, ip_address, status
		FROM transactions
		WHERE user_id = ? AND transaction_id != ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var tx domain.Transaction
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, excludeTxID).Scan(
		&tx.TransactionID, &tx.UserID, &tx.Timestamp,
		&tx.Amount, &tx.PaymentMethod,
		&tx.Location, &tx.DeviceID, &tx.IPAddress,
		&tx.Status,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &tx, nil
}

// CountDistinctDeviceUsers counts distinct users who transacted on a device
// since the given time.
func (r *SQLRepository) CountDistinctDeviceUsers(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(DISTINCT user_id)
		FROM transactions
		WHERE device_id = ? AND timestamp >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), deviceID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count device users: %w", err)
	}
	return count, nil
}

// SumUserAmounts sums a user's transaction amounts since the given time,
// inclusive of the transaction under evaluation.
func (r *SQLRepository) SumUserAmounts(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
	`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum amounts: %w", err)
	}
	return sum, nil
}

// CountUserTransactionsInRange counts a user's transactions since the given
// time with amount in [minAmount, maxAmount).
func (r *SQLRepository) CountUserTransactionsInRange(ctx context.Context, userID string, since time.Time, minAmount, maxAmount float64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = ? AND timestamp >= ? AND amount >= ? AND amount < ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since, minAmount, maxAmount).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions in range: %w", err)
	}
	return count, nil
}

// SaveFraudLogEntry stores a fraud-log entry together with its denormalized
// reason rows. The two writes share one database transaction so rollups
// never observe an entry without its reasons.
func (r *SQLRepository) SaveFraudLogEntry(ctx context.Context, entry *domain.FraudLogEntry) error {
	if entry.ID == "" || entry.TransactionID == "" {
		return fmt.Errorf("%w: entry id and transaction_id are required", ErrInvalidInput)
	}
	if len(entry.Reasons) == 0 {
		return fmt.Errorf("%w: entry must carry at least one reason", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(entry.Reasons)

	detected := 0
	if entry.AnomalyDetected {
		detected = 1
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	entryQuery := `
		INSERT INTO fraud_logs (
			id, transaction_id, user_id, timestamp, anomaly_detected,
			risk_score, reasons, detection_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = dbTx.ExecContext(ctx, r.rebind(entryQuery),
		entry.ID, entry.TransactionID, entry.UserID, entry.Timestamp,
		detected, entry.RiskScore, string(reasons), entry.DetectionVersion,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	reasonQuery := `
		INSERT INTO fraud_log_reasons (entry_id, position, code, message)
		VALUES (?, ?, ?, ?)
	`
	for i, reason := range entry.Reasons {
		if _, err := dbTx.ExecContext(ctx, r.rebind(reasonQuery),
			entry.ID, i, reason.Code, reason.Message,
		); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// GetFraudLogEntry retrieves a fraud-log entry by ID.
func (r *SQLRepository) GetFraudLogEntry(ctx context.Context, entryID string) (*domain.FraudLogEntry, error) {
	query := fraudLogSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), entryID)
	entry, err := scanFraudLogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// RecentFraudLogEntries returns the newest entries, newest first.
func (r *SQLRepository) RecentFraudLogEntries(ctx context.Context, limit int) ([]*domain.FraudLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fraudLogSelect + ` ORDER BY timestamp DESC LIMIT ?`
	return r.queryFraudLogEntries(ctx, r.rebind(query), limit)
}

// CountFraudLogEntries returns the number of fraud-log entries.
func (r *SQLRepository) CountFraudLogEntries(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_logs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fraud logs: %w", err)
	}
	return count, nil
}

// PurgeFraudLog deletes all fraud-log entries and their reason rows,
// returning the number of entries removed. Intended for administrative
// reset, not selective correction.
func (r *SQLRepository) PurgeFraudLog(ctx context.Context) (int64, error) {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx, `DELETE FROM fraud_log_reasons`); err != nil {
		return 0, err
	}

	result, err := dbTx.ExecContext(ctx, `DELETE FROM fraud_logs`)
	if err != nil {
		return 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := dbTx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// RiskDistribution computes the risk-score bucket histogram.
func (r *SQLRepository) RiskDistribution(ctx context.Context) (*domain.RiskDistribution, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN risk_score <= 30 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score > 30 AND risk_score <= 60 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score > 60 AND risk_score <= 80 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score > 80 THEN 1 ELSE 0 END), 0)
		FROM fraud_logs
	`

	var dist domain.RiskDistribution
	err := r.db.QueryRowContext(ctx, query).Scan(&dist.Low, &dist.Medium, &dist.High, &dist.Critical)
	if err != nil {
		return nil, fmt.Errorf("failed to compute risk distribution: %w", err)
	}
	return &dist, nil
}

// ReasonCodeCounts returns per-code occurrence counts across all entries.
func (r *SQLRepository) ReasonCodeCounts(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT code, COUNT(*)
		FROM fraud_log_reasons
		GROUP BY code
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count reason codes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return nil, err
		}
		counts[code] = count
	}
	return counts, rows.Err()
}

// HighRiskEntries returns entries at or above minScore since the given
// time, newest first, capped at limit.
func (r *SQLRepository) HighRiskEntries(ctx context.Context, since time.Time, minScore int, limit int) ([]*domain.FraudLogEntry, error) {
	query := fraudLogSelect + `
		WHERE timestamp >= ? AND risk_score >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	return r.queryFraudLogEntries(ctx, r.rebind(query), since, minScore, limit)
}

// HourlyTrend buckets flagged-entry counts by hour of day since the given
// time.
func (r *SQLRepository) HourlyTrend(ctx context.Context, since time.Time) ([]domain.TrendBucket, error) {
	query := fmt.Sprintf(`
		SELECT %s AS hour, COUNT(*)
		FROM fraud_logs
		WHERE timestamp >= ?
		GROUP BY hour
		ORDER BY hour
	`, r.hourExpr("timestamp"))

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute hourly trend: %w", err)
	}
	defer rows.Close()

	var buckets []domain.TrendBucket
	for rows.Next() {
		var b domain.TrendBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// CrossUserDevices returns devices used by more than minUsers distinct
// users since the given time, ordered by user count descending.
func (r *SQLRepository) CrossUserDevices(ctx context.Context, since time.Time, minUsers int, limit int) ([]domain.DeviceUsage, error) {
	query := `
		SELECT device_id, COUNT(DISTINCT user_id) AS user_count, COUNT(*) AS transaction_count
		FROM transactions
		WHERE timestamp >= ?
		GROUP BY device_id
		HAVING COUNT(DISTINCT user_id) > ?
		ORDER BY user_count DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), since, minUsers, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cross-user devices: %w", err)
	}
	defer rows.Close()

	var usages []domain.DeviceUsage
	for rows.Next() {
		var u domain.DeviceUsage
		if err := rows.Scan(&u.DeviceID, &u.UserCount, &u.TransactionCount); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// EntriesWithReasonCode returns the newest entries carrying the given
// reason code.
func (r *SQLRepository) EntriesWithReasonCode(ctx context.Context, code string, limit int) ([]*domain.FraudLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	query := fraudLogSelect + `
		WHERE id IN (SELECT entry_id FROM fraud_log_reasons WHERE code = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`
	return r.queryFraudLogEntries(ctx, r.rebind(query), code, limit)
}

// SaveCustomRule stores a custom-rule configuration, replacing an existing
// rule with the same ID.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, rule *domain.CustomRule) error {
	if rule.ID == "" || rule.Code == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id, code, and expression are required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO custom_rules (
			id, code, description, expression, message, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			description = excluded.description,
			expression = excluded.expression,
			message = excluded.message,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Code, rule.Description, rule.Expression,
		rule.Message, enabled, now, now,
	)
	return err
}

// GetCustomRule retrieves a custom-rule configuration by ID.
func (r *SQLRepository) GetCustomRule(ctx context.Context, ruleID string) (*domain.CustomRule, error) {
	query := `
		SELECT id, code, description, expression, message, enabled, created_at, updated_at
		FROM custom_rules
		WHERE id = ?
	`

	var rule domain.CustomRule
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(
		&rule.ID, &rule.Code, &rule.Description, &rule.Expression,
		&rule.Message, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListCustomRules retrieves all enabled custom-rule configurations.
func (r *SQLRepository) ListCustomRules(ctx context.Context) ([]*domain.CustomRule, error) {
	query := `
		SELECT id, code, description, expression, message, enabled, created_at, updated_at
		FROM custom_rules
		WHERE enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.CustomRule
	for rows.Next() {
		var rule domain.CustomRule
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Code, &rule.Description, &rule.Expression,
			&rule.Message, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const fraudLogSelect = `
	SELECT id, transaction_id, user_id, timestamp, anomaly_detected,
		   risk_score, reasons, detection_version
	FROM fraud_logs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFraudLogEntry(row rowScanner) (*domain.FraudLogEntry, error) {
	var entry domain.FraudLogEntry
	var detected int
	var reasons string

	err := row.Scan(
		&entry.ID, &entry.TransactionID, &entry.UserID, &entry.Timestamp,
		&detected, &entry.RiskScore, &reasons, &entry.DetectionVersion,
	)
	if err != nil {
		return nil, err
	}

	entry.AnomalyDetected = detected == 1
	if err := json.Unmarshal([]byte(reasons), &entry.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse entry reasons: %w", err)
	}
	return &entry, nil
}

func (r *SQLRepository) queryFraudLogEntries(ctx context.Context, query string, args ...any) ([]*domain.FraudLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.FraudLogEntry
	for rows.Next() {
		entry, err := scanFraudLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// hourExpr returns the driver-specific SQL expression extracting the hour
// of day from a timestamp column.
func (r *SQLRepository) hourExpr(column string) string {
	if r.driver == "postgres" {
		return fmt.Sprintf("CAST(EXTRACT(HOUR FROM %s) AS INTEGER)", column)
	}
	return fmt.Sprintf("CAST(strftime('%%H', %s) AS INTEGER)", column)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
