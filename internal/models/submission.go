package model

import (
	"time"

	"taskblitz.com/taskblitz/internal/constants"
)

// Payload is the work a worker hands in. Exactly one of the kinds applies;
// the constructors below are the only way the service builds one.
type Payload struct {
	Kind  constants.SubmissionKind `gorm:"column:payload_kind;type:varchar(10);not null" json:"kind"`
	Value string                   `gorm:"column:payload_value;type:text;not null" json:"value"`
}

func TextPayload(text string) Payload {
	return Payload{Kind: constants.SubmissionText, Value: text}
}

func URLPayload(url string) Payload {
	return Payload{Kind: constants.SubmissionURL, Value: url}
}

func FilePayload(ref string) Payload {
	return Payload{Kind: constants.SubmissionFile, Value: ref}
}

type Submission struct {
	ID          string                     `gorm:"primaryKey;size:36" json:"id"`
	TaskID      string                     `gorm:"size:36;not null;uniqueIndex:idx_submission_task_worker;index" json:"task_id"`
	Worker      string                     `gorm:"size:64;not null;uniqueIndex:idx_submission_task_worker" json:"worker"`
	Payload     Payload                    `gorm:"embedded" json:"payload"`
	Status      constants.SubmissionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Outcome     constants.Outcome          `gorm:"type:varchar(32)" json:"outcome,omitempty"`
	SubmittedAt time.Time                  `gorm:"not null;index;<-:create" json:"submitted_at"`
	ReviewedAt  *time.Time                 `json:"reviewed_at,omitempty"`
	ReviewedBy  string                     `gorm:"size:64" json:"reviewed_by,omitempty"`
	Version     uint                       `gorm:"not null;default:1" json:"version"`
}
