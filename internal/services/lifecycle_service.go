package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"taskblitz.com/taskblitz/internal/constants"
	apperrors "taskblitz.com/taskblitz/internal/errors"
	"taskblitz.com/taskblitz/internal/ledger"
	model "taskblitz.com/taskblitz/internal/models"
	repository "taskblitz.com/taskblitz/internal/repositories"
)

// LifecycleService owns task status and the workers_completed and
// workers_rejected counters. Every mutation runs under the task lock and is
// persisted with a version compare-and-set.
type LifecycleService struct {
	Deps
}

func NewLifecycleService(d Deps) *LifecycleService {
	return &LifecycleService{Deps: d.withDefaults()}
}

type CreateTaskInput struct {
	Requester                string
	Title                    string
	Description              string
	Category                 string
	SubmissionType           constants.SubmissionKind
	PaymentPerTask           decimal.Decimal
	WorkersNeeded            int
	Deadline                 time.Time
	RejectionLimitPercentage *int
}

func (s *LifecycleService) validateCreate(in CreateTaskInput, now time.Time) error {
	switch {
	case strings.TrimSpace(in.Requester) == "":
		return apperrors.ErrValidation.WithMessage("requester is required")
	case strings.TrimSpace(in.Title) == "":
		return apperrors.ErrValidation.WithMessage("title is required")
	case !in.SubmissionType.Valid():
		return apperrors.ErrValidation.WithMessage("submission_type must be text, url or file")
	case !in.PaymentPerTask.IsPositive():
		return apperrors.ErrValidation.WithMessage("payment_per_task must be greater than 0")
	case in.PaymentPerTask.LessThan(s.Policy.MinTaskPayment):
		return apperrors.ErrValidation.WithMessage("payment_per_task is below the platform minimum of " + s.Policy.MinTaskPayment.String())
	case in.WorkersNeeded <= 0:
		return apperrors.ErrValidation.WithMessage("workers_needed must be greater than 0")
	case !in.Deadline.After(now):
		return apperrors.ErrValidation.WithMessage("deadline must be in the future")
	}
	if l := in.RejectionLimitPercentage; l != nil && (*l < 0 || *l > 100) {
		return apperrors.ErrValidation.WithMessage("rejection_limit_percentage must be between 0 and 100")
	}
	return nil
}

// CreateTask locks the escrow first and persists the task second. If the
// task cannot be stored the lock is refunded, so creation is all-or-nothing.
func (s *LifecycleService) CreateTask(ctx context.Context, in CreateTaskInput) (*model.Task, error) {
	now := s.now()
	if err := s.validateCreate(in, now); err != nil {
		return nil, err
	}

	limit := s.Policy.RejectionLimitPercentage
	if in.RejectionLimitPercentage != nil {
		limit = *in.RejectionLimitPercentage
	}
	escrow := model.EscrowFor(in.PaymentPerTask, in.WorkersNeeded, s.Policy.PlatformFeePercentage)

	handle, err := s.Ledger.LockFunds(ctx, in.Requester, escrow)
	s.Metrics.LedgerCall(string(ledger.OpLock), err)
	if err != nil {
		s.Logger.Warn("escrow lock failed",
			zap.String("requester", in.Requester),
			zap.String("amount", escrow.String()),
			zap.Error(err))
		return nil, ledgerError(err)
	}

	task := &model.Task{
		ID:                       uuid.NewString(),
		Requester:                in.Requester,
		Title:                    strings.TrimSpace(in.Title),
		Description:              in.Description,
		Category:                 in.Category,
		SubmissionType:           in.SubmissionType,
		PaymentPerTask:           in.PaymentPerTask,
		WorkersNeeded:            in.WorkersNeeded,
		RejectionLimitPercentage: limit,
		PlatformFeePercentage:    s.Policy.PlatformFeePercentage,
		EscrowAmount:             escrow,
		EscrowHandle:             handle.ID,
		ReleasedAmount:           decimal.Zero,
		FeeCollected:             decimal.Zero,
		RefundedAmount:           decimal.Zero,
		Status:                   constants.TaskOpen,
		Deadline:                 in.Deadline.UTC(),
		Version:                  1,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	err = s.Store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Tasks.Create(ctx, task); err != nil {
			return err
		}
		return tx.Transactions.Record(ctx, &model.Transaction{
			TaskID:       task.ID,
			Kind:         constants.TransactionLock,
			Amount:       escrow,
			Counterparty: in.Requester,
			ReceiptID:    handle.ID,
			RecordedAt:   now,
		})
	})
	if err != nil {
		if _, rerr := s.Ledger.RefundRemainder(ctx, handle.ID, in.Requester); rerr != nil {
			s.Logger.Error("failed to return escrow after task insert failed",
				zap.String("handle", handle.ID), zap.Error(rerr))
		}
		return nil, errors.Wrap(err, "create task")
	}

	s.Metrics.TaskTransition(string(constants.TaskOpen))
	s.Logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("requester", task.Requester),
		zap.String("escrow", escrow.String()))
	return task, nil
}

func (s *LifecycleService) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if id == "" {
		return nil, apperrors.ErrTaskIDRequired
	}
	return s.Store.Tasks.FindByID(ctx, id)
}

func (s *LifecycleService) ListTasks(ctx context.Context, f repository.TaskFilter) ([]model.Task, error) {
	return s.Store.Tasks.List(ctx, f)
}

func (s *LifecycleService) ListTransactions(ctx context.Context, taskID string) ([]model.Transaction, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.Store.Transactions.ListByTask(ctx, taskID)
}

// transition moves the task along one edge of the state machine in memory.
func (s *LifecycleService) transition(task *model.Task, to constants.TaskStatus) error {
	if !model.CanTransition(task.Status, to) {
		return apperrors.ErrInvalidTransition.WithMessage(
			"task cannot move from " + string(task.Status) + " to " + string(to))
	}
	task.Status = to
	return nil
}

// RecordSubmission moves an open task to in_progress on its first submission.
func (s *LifecycleService) RecordSubmission(ctx context.Context, tx *repository.Store, task *model.Task) (*model.Task, error) {
	if task.Status != constants.TaskOpen {
		return task, nil
	}
	if err := s.transition(task, constants.TaskInProgress); err != nil {
		return nil, err
	}
	if err := tx.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	s.Metrics.TaskTransition(string(constants.TaskInProgress))
	return task, nil
}

// RecordApproval counts one more approved worker and completes the task when
// the last slot is filled. It writes through tx; the refund of the excess
// happens in Settle once tx has committed.
func (s *LifecycleService) RecordApproval(ctx context.Context, tx *repository.Store, task *model.Task, payout decimal.Decimal) (*model.Task, error) {
	if task.Full() {
		return nil, apperrors.ErrCapacityReached
	}

	task.WorkersCompleted++
	task.ReleasedAmount = task.ReleasedAmount.Add(payout)
	completed := false
	if task.Full() && task.Status == constants.TaskInProgress {
		if err := s.transition(task, constants.TaskCompleted); err != nil {
			return nil, err
		}
		completed = true
	}

	if err := tx.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	if completed {
		s.Metrics.TaskTransition(string(constants.TaskCompleted))
	}
	return task, nil
}

// RecordRejection counts one more rejected worker. The status is left alone;
// a rejection frees no slot and moves no funds.
func (s *LifecycleService) RecordRejection(ctx context.Context, tx *repository.Store, task *model.Task) (*model.Task, error) {
	task.WorkersRejected++
	if err := tx.Tasks.Update(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Cancel lets the requester stop an open or in-progress task. Only the
// unallocated escrow is refunded; approved work stays paid. Calling Cancel
// again on a cancelled task whose refund failed retries the refund.
func (s *LifecycleService) Cancel(ctx context.Context, taskID, actor string) (*model.Task, error) {
	var task *model.Task
	err := s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		var err error
		task, err = s.Store.Tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Requester != actor {
			return apperrors.ErrUnauthorized
		}

		if task.Status == constants.TaskCancelled && !task.Settled() {
			return s.settle(ctx, task)
		}
		if task.Status != constants.TaskOpen && task.Status != constants.TaskInProgress {
			return apperrors.ErrNotCancellable
		}

		if err := s.transition(task, constants.TaskCancelled); err != nil {
			return err
		}
		if err := s.Store.Tasks.Update(ctx, task); err != nil {
			return err
		}
		s.Metrics.TaskTransition(string(constants.TaskCancelled))
		s.Logger.Info("task cancelled", zap.String("task_id", task.ID), zap.String("actor", actor))

		return s.settle(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Pause blocks new submissions. Pending submissions can still be reviewed.
func (s *LifecycleService) Pause(ctx context.Context, taskID, admin string) (*model.Task, error) {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return nil, err
	}

	var task *model.Task
	err := s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		var err error
		task, err = s.Store.Tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}

		from := task.Status
		if err := s.transition(task, constants.TaskPaused); err != nil {
			return err
		}
		task.PausedFrom = from
		if err := s.Store.Tasks.Update(ctx, task); err != nil {
			return err
		}
		s.Metrics.TaskTransition(string(constants.TaskPaused))
		return s.logActivity(ctx, admin, "pause_task", task.ID, map[string]any{"from": from})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Resume returns a paused task to the status it was paused from. A task
// whose last slot was filled while paused completes on resume.
func (s *LifecycleService) Resume(ctx context.Context, taskID, admin string) (*model.Task, error) {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return nil, err
	}

	var task *model.Task
	err := s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		var err error
		task, err = s.Store.Tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != constants.TaskPaused {
			return apperrors.ErrInvalidTransition.WithMessage("task is not paused")
		}

		if err := s.unpause(task); err != nil {
			return err
		}
		if task.Full() {
			if err := s.transition(task, constants.TaskCompleted); err != nil {
				return err
			}
		}
		if err := s.Store.Tasks.Update(ctx, task); err != nil {
			return err
		}
		s.Metrics.TaskTransition(string(task.Status))

		if err := s.logActivity(ctx, admin, "resume_task", task.ID, map[string]any{"to": task.Status}); err != nil {
			return err
		}
		return s.settle(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *LifecycleService) unpause(task *model.Task) error {
	to := task.PausedFrom
	if to == "" {
		to = constants.TaskOpen
	}
	if err := s.transition(task, to); err != nil {
		return err
	}
	task.PausedFrom = ""
	return nil
}

// Delete is the moderation path: the task is cancelled, its unallocated
// escrow refunded, and the row soft-deleted.
func (s *LifecycleService) Delete(ctx context.Context, taskID, admin, reason string) error {
	if err := s.requireAdmin(ctx, admin); err != nil {
		return err
	}

	return s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		task, err := s.Store.Tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}

		if task.Status == constants.TaskPaused {
			if err := s.unpause(task); err != nil {
				return err
			}
		}
		if task.Status == constants.TaskOpen || task.Status == constants.TaskInProgress {
			if err := s.transition(task, constants.TaskCancelled); err != nil {
				return err
			}
			if err := s.Store.Tasks.Update(ctx, task); err != nil {
				return err
			}
			s.Metrics.TaskTransition(string(constants.TaskCancelled))
		}

		if err := s.settle(ctx, task); err != nil {
			s.Logger.Warn("refund on delete failed, sweep will retry",
				zap.String("task_id", task.ID), zap.Error(err))
		}

		if err := s.Store.Tasks.Delete(ctx, task.ID); err != nil {
			return err
		}
		return s.logActivity(ctx, admin, "delete_task", task.ID, map[string]any{"reason": reason})
	})
}

// ExpireIfPastDeadline expires an open or in-progress task whose deadline has
// passed and refunds its unallocated escrow. Only the caller that wins the
// status change issues the refund, so repeated calls never refund twice.
func (s *LifecycleService) ExpireIfPastDeadline(ctx context.Context, task *model.Task, now time.Time) (*model.Task, error) {
	if !expirable(task, now) {
		return task, nil
	}

	var current *model.Task
	err := s.withTaskLock(ctx, task.ID, func(ctx context.Context) error {
		var err error
		current, err = s.Store.Tasks.FindByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if !expirable(current, now) {
			return nil
		}

		if err := s.transition(current, constants.TaskExpired); err != nil {
			return err
		}
		if err := s.Store.Tasks.Update(ctx, current); err != nil {
			return err
		}
		s.Metrics.TaskTransition(string(constants.TaskExpired))
		s.Logger.Info("task expired", zap.String("task_id", current.ID))

		return s.settle(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

func expirable(task *model.Task, now time.Time) bool {
	return now.After(task.Deadline) &&
		(task.Status == constants.TaskOpen || task.Status == constants.TaskInProgress)
}

// SweepExpiredTasks expires every overdue task and retries refunds that
// failed earlier. It returns the number of tasks expired.
func (s *LifecycleService) SweepExpiredTasks(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()

	tasks, err := s.Store.Tasks.ListExpirable(ctx, now, s.Policy.SweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list expirable tasks")
	}

	expired := 0
	for i := range tasks {
		t, err := s.ExpireIfPastDeadline(ctx, &tasks[i], now)
		if err != nil {
			s.Logger.Warn("expire failed", zap.String("task_id", tasks[i].ID), zap.Error(err))
			continue
		}
		if t.Status == constants.TaskExpired {
			expired++
		}
	}

	unsettled, err := s.Store.Tasks.ListUnsettled(ctx, s.Policy.SweepBatchSize)
	if err != nil {
		return expired, errors.Wrap(err, "list unsettled tasks")
	}
	for i := range unsettled {
		if err := s.SettleTask(ctx, unsettled[i].ID); err != nil {
			s.Logger.Warn("settle retry failed", zap.String("task_id", unsettled[i].ID), zap.Error(err))
		}
	}

	s.Metrics.Sweep("expired_tasks", started, expired)
	return expired, nil
}

// SettleTask retries the remainder refund of a terminal task under its lock.
func (s *LifecycleService) SettleTask(ctx context.Context, taskID string) error {
	return s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		task, err := s.Store.Tasks.FindUnscoped(ctx, taskID)
		if err != nil {
			return err
		}
		return s.settle(ctx, task)
	})
}

// settle refunds whatever the escrow still holds once the task is terminal.
// The caller must hold the task lock.
func (s *LifecycleService) settle(ctx context.Context, task *model.Task) error {
	if !task.Status.Terminal() || task.Settled() {
		return nil
	}

	expected := task.Unallocated()
	receipt, err := s.Ledger.RefundRemainder(ctx, task.EscrowHandle, task.Requester)
	s.Metrics.LedgerCall(string(ledger.OpRefund), err)
	if err != nil {
		s.Logger.Warn("escrow refund failed",
			zap.String("task_id", task.ID), zap.String("expected", expected.String()), zap.Error(err))
		return ledgerError(err)
	}
	if !receipt.Amount.Equal(expected) {
		s.Logger.Warn("refund differs from tracked unallocated escrow",
			zap.String("task_id", task.ID),
			zap.String("expected", expected.String()),
			zap.String("refunded", receipt.Amount.String()))
	}

	now := s.now()
	err = s.Store.Transaction(ctx, func(tx *repository.Store) error {
		task.RefundedAmount = task.RefundedAmount.Add(receipt.Amount)
		task.SettledAt = &now
		if err := tx.Tasks.Update(ctx, task); err != nil {
			return err
		}
		if receipt.Amount.IsZero() {
			return nil
		}
		return tx.Transactions.Record(ctx, &model.Transaction{
			TaskID:       task.ID,
			Kind:         constants.TransactionRefund,
			Amount:       receipt.Amount,
			Counterparty: task.Requester,
			ReceiptID:    receipt.ID,
			RecordedAt:   now,
		})
	})
	if err != nil {
		s.Logger.Error("escrow refunded but settlement not persisted",
			zap.String("task_id", task.ID), zap.String("receipt", receipt.ID), zap.Error(err))
		return errors.Wrap(err, "persist settlement")
	}

	s.Logger.Info("escrow settled",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("refunded", receipt.Amount.String()))
	return nil
}

func (s *LifecycleService) logActivity(ctx context.Context, admin, action, taskID string, details map[string]any) error {
	if err := s.Store.Admins.LogActivity(ctx, admin, action, "task", taskID, details); err != nil {
		return errors.Wrap(err, "log admin activity")
	}
	s.Logger.Info("admin action", zap.String("admin", admin), zap.String("action", action), zap.String("task_id", taskID))
	return nil
}
