package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"taskblitz.com/taskblitz/internal/constants"
	apperrors "taskblitz.com/taskblitz/internal/errors"
	model "taskblitz.com/taskblitz/internal/models"
)

type SubmissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a pending submission. The unique (task_id, worker) index
// turns a second submission by the same worker into ErrDuplicateSubmission.
func (r *SubmissionRepository) Create(ctx context.Context, sub *model.Submission) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	err := r.db.WithContext(ctx).Create(sub).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.ErrDuplicateSubmission
	}
	return err
}

func (r *SubmissionRepository) FindByID(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	err := r.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSubmissionNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find submission %s", id)
	}
	return &sub, nil
}

func (r *SubmissionRepository) ExistsForWorker(ctx context.Context, taskID, worker string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Submission{}).
		Where("task_id = ? AND worker = ?", taskID, worker).
		Count(&count).Error
	return count > 0, err
}

func (r *SubmissionRepository) ListByTask(ctx context.Context, taskID string, status constants.SubmissionStatus) ([]model.Submission, error) {
	query := r.db.WithContext(ctx).Where("task_id = ?", taskID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var subs []model.Submission
	err := query.Order("submitted_at asc").Find(&subs).Error
	return subs, err
}

// ListStale returns pending submissions handed in at or before cutoff whose
// task is still active and has an open slot.
func (r *SubmissionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Submission, error) {
	if limit <= 0 {
		return nil, apperrors.ErrInvalidLimit
	}

	active := []constants.TaskStatus{constants.TaskOpen, constants.TaskInProgress, constants.TaskPaused}

	var subs []model.Submission
	err := r.db.WithContext(ctx).
		Joins("JOIN tasks ON tasks.id = submissions.task_id AND tasks.deleted_at IS NULL").
		Where("submissions.status = ? AND submissions.submitted_at <= ? AND tasks.status IN ?",
			constants.SubmissionPending, cutoff, active).
		Where("tasks.workers_completed < tasks.workers_needed").
		Order("submissions.submitted_at asc").Limit(limit).
		Find(&subs).Error
	return subs, err
}

// Decide moves a pending submission to the status implied by outcome. It is
// a compare-and-set on status: if the row already left pending, nothing is
// written and ErrAlreadyReviewed is returned.
func (r *SubmissionRepository) Decide(ctx context.Context, sub *model.Submission, outcome constants.Outcome, reviewer string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id = ? AND status = ?", sub.ID, constants.SubmissionPending).
		Updates(map[string]interface{}{
			"status":      outcome.Status(),
			"outcome":     outcome,
			"reviewed_at": at,
			"reviewed_by": reviewer,
			"version":     gorm.Expr("version + 1"),
		})

	if res.Error != nil {
		return errors.Wrapf(res.Error, "decide submission %s", sub.ID)
	}

	if res.RowsAffected == 0 {
		return apperrors.ErrAlreadyReviewed
	}

	sub.Status = outcome.Status()
	sub.Outcome = outcome
	sub.ReviewedAt = &at
	sub.ReviewedBy = reviewer
	sub.Version++
	return nil
}
