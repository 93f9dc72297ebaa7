package repository

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"taskblitz.com/taskblitz/internal/constants"
	apperrors "taskblitz.com/taskblitz/internal/errors"
	model "taskblitz.com/taskblitz/internal/models"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

type TaskFilter struct {
	Status     constants.TaskStatus
	Category   string
	Requester  string
	MinPayment *decimal.Decimal
	MaxPayment *decimal.Decimal
	Search     string
	SortBy     string
	Desc       bool
	Limit      int
	Offset     int
}

var sortColumns = map[string]string{
	"":                 "created_at",
	"created_at":       "created_at",
	"payment_per_task": "payment_per_task",
	"deadline":         "deadline",
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if task.Version == 0 {
		task.Version = 1
	}
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrTaskNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find task %s", id)
	}
	return &task, nil
}

// FindUnscoped also returns soft-deleted tasks so their escrow can still be settled.
func (r *TaskRepository) FindUnscoped(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Unscoped().First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrTaskNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find task %s", id)
	}
	return &task, nil
}

func (r *TaskRepository) List(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	column, ok := sortColumns[f.SortBy]
	if !ok {
		return nil, apperrors.ErrValidation.WithMessage("unknown sort field " + f.SortBy)
	}
	if f.Limit <= 0 {
		return nil, apperrors.ErrInvalidLimit
	}

	query := r.db.WithContext(ctx).Model(&model.Task{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		query = query.Where("category = ?", f.Category)
	}
	if f.Requester != "" {
		query = query.Where("requester = ?", f.Requester)
	}
	if f.MinPayment != nil {
		query = query.Where("payment_per_task >= ?", *f.MinPayment)
	}
	if f.MaxPayment != nil {
		query = query.Where("payment_per_task <= ?", *f.MaxPayment)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}

	order := column + " asc"
	if f.Desc {
		order = column + " desc"
	}

	var tasks []model.Task
	err := query.Order(order).Order("id asc").Limit(f.Limit).Offset(f.Offset).Find(&tasks).Error
	return tasks, err
}

// ListExpirable returns open or in-progress tasks whose deadline has passed.
func (r *TaskRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, apperrors.ErrInvalidLimit
	}

	var tasks []model.Task
	err := r.db.WithContext(ctx).
		Where("status IN ? AND deadline < ?", []constants.TaskStatus{constants.TaskOpen, constants.TaskInProgress}, now).
		Order("deadline asc").Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// ListUnsettled returns terminal tasks whose remainder refund has not gone through yet.
func (r *TaskRepository) ListUnsettled(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, apperrors.ErrInvalidLimit
	}

	var tasks []model.Task
	err := r.db.WithContext(ctx).Unscoped().
		Where("status IN ? AND settled_at IS NULL", []constants.TaskStatus{constants.TaskCompleted, constants.TaskCancelled, constants.TaskExpired}).
		Order("updated_at asc").Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

// Update writes the mutable task columns if nobody changed the row since it
// was read, and bumps the version.
func (r *TaskRepository) Update(ctx context.Context, task *model.Task) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Unscoped().Model(&model.Task{}).
		Where("id = ? AND version = ?", task.ID, task.Version).
		Updates(map[string]interface{}{
			"workers_completed": task.WorkersCompleted,
			"workers_rejected":  task.WorkersRejected,
			"released_amount":   task.ReleasedAmount,
			"fee_collected":     task.FeeCollected,
			"refunded_amount":   task.RefundedAmount,
			"status":            task.Status,
			"paused_from":       task.PausedFrom,
			"settled_at":        task.SettledAt,
			"updated_at":        now,
			"version":           gorm.Expr("version + 1"),
		})

	if res.Error != nil {
		return errors.Wrapf(res.Error, "update task %s", task.ID)
	}

	if res.RowsAffected == 0 {
		return apperrors.ErrOptimisticLock
	}

	task.Version++
	task.UpdatedAt = now
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&model.Task{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "delete task %s", id)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTaskNotFound
	}
	return nil
}
