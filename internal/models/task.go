package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"taskblitz.com/taskblitz/internal/constants"
)

type Task struct {
	ID                       string                   `gorm:"primaryKey;size:36" json:"id"`
	Requester                string                   `gorm:"size:64;not null;index" json:"requester"`
	Title                    string                   `gorm:"not null" json:"title"`
	Description              string                   `gorm:"type:text" json:"description"`
	Category                 string                   `gorm:"size:64;index" json:"category"`
	SubmissionType           constants.SubmissionKind `gorm:"type:varchar(10);not null" json:"submission_type"`
	PaymentPerTask           decimal.Decimal          `gorm:"type:decimal(20,8);not null" json:"payment_per_task"`
	WorkersNeeded            int                      `gorm:"not null" json:"workers_needed"`
	WorkersCompleted         int                      `gorm:"not null;default:0" json:"workers_completed"`
	WorkersRejected          int                      `gorm:"not null;default:0" json:"workers_rejected"`
	RejectionLimitPercentage int                      `gorm:"not null" json:"rejection_limit_percentage"`
	PlatformFeePercentage    decimal.Decimal          `gorm:"type:decimal(10,4);not null" json:"platform_fee_percentage"`
	EscrowAmount             decimal.Decimal          `gorm:"type:decimal(20,8);not null" json:"escrow_amount"`
	EscrowHandle             string                   `gorm:"size:64;not null" json:"escrow_handle"`
	ReleasedAmount           decimal.Decimal          `gorm:"type:decimal(20,8);not null;default:0" json:"released_amount"`
	FeeCollected             decimal.Decimal          `gorm:"type:decimal(20,8);not null;default:0" json:"fee_collected"`
	RefundedAmount           decimal.Decimal          `gorm:"type:decimal(20,8);not null;default:0" json:"refunded_amount"`
	Status                   constants.TaskStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	PausedFrom               constants.TaskStatus     `gorm:"type:varchar(20)" json:"paused_from,omitempty"`
	Deadline                 time.Time                `gorm:"not null;index" json:"deadline"`
	Version                  uint                     `gorm:"not null;default:1" json:"version"`
	CreatedAt                time.Time                `gorm:"<-:create" json:"created_at"`
	UpdatedAt                time.Time                `json:"updated_at"`
	SettledAt                *time.Time               `json:"settled_at,omitempty"`
	DeletedAt                gorm.DeletedAt           `gorm:"index" json:"-"`
}

var transitions = map[constants.TaskStatus][]constants.TaskStatus{
	constants.TaskOpen:       {constants.TaskInProgress, constants.TaskCancelled, constants.TaskExpired, constants.TaskPaused},
	constants.TaskInProgress: {constants.TaskCompleted, constants.TaskCancelled, constants.TaskExpired, constants.TaskPaused},
	constants.TaskPaused:     {constants.TaskOpen, constants.TaskInProgress},
}

// CanTransition reports whether the task state machine has an edge from -> to.
func CanTransition(from, to constants.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EscrowFor returns payment × workers × (1 + fee/100).
func EscrowFor(payment decimal.Decimal, workers int, feePercentage decimal.Decimal) decimal.Decimal {
	gross := payment.Mul(decimal.NewFromInt(int64(workers)))
	return gross.Add(FeeOn(gross, feePercentage))
}

// FeeOn returns amount × fee/100.
func FeeOn(amount, feePercentage decimal.Decimal) decimal.Decimal {
	return amount.Mul(feePercentage).Div(decimal.NewFromInt(100))
}

// Unallocated is the part of the escrow not yet paid out, charged or refunded.
func (t *Task) Unallocated() decimal.Decimal {
	return t.EscrowAmount.Sub(t.ReleasedAmount).Sub(t.FeeCollected).Sub(t.RefundedAmount)
}

// OutstandingLiability is the most the task can still owe its workers.
func (t *Task) OutstandingLiability() decimal.Decimal {
	return t.PaymentPerTask.Mul(decimal.NewFromInt(int64(t.WorkersNeeded - t.WorkersCompleted)))
}

func (t *Task) Full() bool {
	return t.WorkersCompleted >= t.WorkersNeeded
}

func (t *Task) Settled() bool {
	return t.SettledAt != nil
}
