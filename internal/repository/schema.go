package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    amount REAL NOT NULL,
    payment_method TEXT NOT NULL,
    location TEXT NOT NULL,
    device_id TEXT NOT NULL,
    ip_address TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

// fraud_logs intentionally has no uniqueness constraint on transaction_id:
// redelivery of an insert event can produce duplicate entries for one
// transaction, matching the historical behavior of the detector.
const schemaFraudLogs = `
CREATE TABLE IF NOT EXISTS fraud_logs (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    anomaly_detected INTEGER NOT NULL DEFAULT 1,
    risk_score INTEGER NOT NULL,
    reasons TEXT NOT NULL,
    detection_version TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_logs_user_ts ON fraud_logs(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_logs_timestamp ON fraud_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_fraud_logs_score ON fraud_logs(risk_score);
`

// fraud_log_reasons denormalizes the per-entry reason sequence so per-code
// rollups stay in SQL instead of scanning JSON.
const schemaFraudLogReasons = `
CREATE TABLE IF NOT EXISTS fraud_log_reasons (
    entry_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    code TEXT NOT NULL,
    message TEXT NOT NULL,
    PRIMARY KEY (entry_id, position)
);

CREATE INDEX IF NOT EXISTS idx_fraud_log_reasons_code ON fraud_log_reasons(code);
`

const schemaCustomRules = `
CREATE TABLE IF NOT EXISTS custom_rules (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    message TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_custom_rules_enabled ON custom_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaFraudLogs,
		schemaFraudLogReasons,
		schemaCustomRules,
	}
}
