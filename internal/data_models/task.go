package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateTaskRequest struct {
	Title                    string          `json:"title" validate:"required,max=200"`
	Description              string          `json:"description" validate:"max=5000"`
	Category                 string          `json:"category" validate:"max=64"`
	SubmissionType           string          `json:"submission_type" validate:"required,oneof=text url file"`
	PaymentPerTask           decimal.Decimal `json:"payment_per_task"`
	WorkersNeeded            int             `json:"workers_needed" validate:"required,gt=0,max=100000"`
	Deadline                 time.Time       `json:"deadline" validate:"required"`
	RejectionLimitPercentage *int            `json:"rejection_limit_percentage" validate:"omitempty,min=0,max=100"`
}

type ListTasksQuery struct {
	Status     string `query:"status" validate:"omitempty,oneof=open in_progress completed paused cancelled expired"`
	Category   string `query:"category"`
	Requester  string `query:"requester"`
	MinPayment string `query:"min_payment" validate:"omitempty,numeric"`
	MaxPayment string `query:"max_payment" validate:"omitempty,numeric"`
	Search     string `query:"search" validate:"max=100"`
	SortBy     string `query:"sort_by" validate:"omitempty,oneof=created_at payment_per_task deadline"`
	Order      string `query:"order" validate:"omitempty,oneof=asc desc"`
	Limit      int    `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int    `query:"offset" validate:"omitempty,min=0"`
}

type DeleteTaskRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}
