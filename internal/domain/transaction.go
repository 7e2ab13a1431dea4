package domain

import (
	"time"
)

// Transaction represents one financial movement event ingested by the
// pipeline. Transactions are immutable once written; the rule engine reads
// them many times for historical context but never mutates them.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        float64   `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Location      string    `json:"location"`
	DeviceID      string    `json:"device_id"`
	IPAddress     string    `json:"ip_address"`
	Status        string    `json:"status"`
}

// TransactionRequest is the API request payload for appending a transaction.
type TransactionRequest struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	UserID        string     `json:"user_id"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Amount        float64    `json:"amount"`
	PaymentMethod string     `json:"payment_method"`
	Location      string     `json:"location"`
	DeviceID      string     `json:"device_id"`
	IPAddress     string     `json:"ip_address"`
	Status        string     `json:"status,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object, filling
// in the timestamp and status when the producer omitted them.
func (r *TransactionRequest) ToTransaction() *Transaction {
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}

	status := r.Status
	if status == "" {
		status = "SUCCESS"
	}

	return &Transaction{
		TransactionID: r.TransactionID,
		UserID:        r.UserID,
		Timestamp:     ts,
		Amount:        r.Amount,
		PaymentMethod: r.PaymentMethod,
		Location:      r.Location,
		DeviceID:      r.DeviceID,
		IPAddress:     r.IPAddress,
		Status:        status,
	}
}
