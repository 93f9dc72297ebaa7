package model

import (
	"time"

	"github.com/shopspring/decimal"

	"taskblitz.com/taskblitz/internal/constants"
)

// Transaction is one entry of the per-task escrow journal. A submission has
// at most one row per kind; its release row is written as a pending intent
// before the ledger is asked to pay.
type Transaction struct {
	ID           uint                        `gorm:"primaryKey" json:"id"`
	TaskID       string                      `gorm:"size:36;not null;index" json:"task_id"`
	SubmissionID *string                     `gorm:"size:36;uniqueIndex:idx_transactions_submission_kind" json:"submission_id,omitempty"`
	Kind         constants.TransactionKind   `gorm:"type:varchar(10);not null;uniqueIndex:idx_transactions_submission_kind" json:"kind"`
	Status       constants.TransactionStatus `gorm:"type:varchar(10);not null;default:'confirmed'" json:"status"`
	Amount       decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"amount"`
	Counterparty string                      `gorm:"size:64;not null" json:"counterparty"`
	ReceiptID    string                      `gorm:"size:64" json:"receipt_id"`
	RecordedAt   time.Time                   `gorm:"not null" json:"recorded_at"`
}

// IdempotencyKey is the key the ledger dedupes this row's payment on.
func (t *Transaction) IdempotencyKey() string {
	if t.SubmissionID == nil {
		return ""
	}
	return string(t.Kind) + ":" + *t.SubmissionID
}
