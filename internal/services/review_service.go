package services

import (
	"context"
	"net/url"
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

// SystemReviewer is recorded as reviewed_by for timeout approvals.
const SystemReviewer = "system"

type ReviewService struct {
	Deps
	lifecycle *LifecycleService
}

func NewReviewService(d Deps, lifecycle *LifecycleService) *ReviewService {
	return &ReviewService{Deps: d.withDefaults(), lifecycle: lifecycle}
}

// Result is the state after a decision. Replayed is set when the submission
// had already been decided the same way and nothing was changed.
type Result struct {
	Submission *model.Submission
	Task       *model.Task
	Replayed   bool
}

// Submit records a pending submission from worker against an accepting task.
func (s *ReviewService) Submit(ctx context.Context, taskID, worker string, payload model.Payload) (*model.Submission, error) {
	if taskID == "" {
		return nil, apperrors.ErrTaskIDRequired
	}
	if strings.TrimSpace(worker) == "" {
		return nil, apperrors.ErrValidation.WithMessage("worker is required")
	}

	var sub *model.Submission
	err := s.withTaskLock(ctx, taskID, func(ctx context.Context) error {
		task, err := s.Store.Tasks.FindByID(ctx, taskID)
		if err != nil {
			return err
		}

		now := s.now()
		switch {
		case !task.Status.AcceptsSubmissions():
			return apperrors.ErrTaskNotAcceptingSubmissions
		case task.Requester == worker:
			return apperrors.ErrUnauthorized.WithMessage("requester cannot submit to their own task")
		case !now.Before(task.Deadline):
			return apperrors.ErrTaskNotAcceptingSubmissions.WithMessage("task deadline has passed")
		}

		exists, err := s.Store.Submissions.ExistsForWorker(ctx, taskID, worker)
		if err != nil {
			return errors.Wrap(err, "check duplicate submission")
		}
		if exists {
			return apperrors.ErrDuplicateSubmission
		}
		if task.Full() {
			return apperrors.ErrCapacityReached
		}
		if err := validatePayload(task, payload); err != nil {
			return err
		}

		sub = &model.Submission{
			ID:          uuid.NewString(),
			TaskID:      task.ID,
			Worker:      worker,
			Payload:     payload,
			Status:      constants.SubmissionPending,
			SubmittedAt: now,
			Version:     1,
		}
		return s.Store.Transaction(ctx, func(tx *repository.Store) error {
			if err := tx.Submissions.Create(ctx, sub); err != nil {
				return err
			}
			_, err := s.lifecycle.RecordSubmission(ctx, tx, task)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("submission received",
		zap.String("submission_id", sub.ID),
		zap.String("task_id", sub.TaskID),
		zap.String("worker", sub.Worker))
	return sub, nil
}

func validatePayload(task *model.Task, p model.Payload) error {
	if p.Kind != task.SubmissionType {
		return apperrors.ErrValidation.WithMessage("task expects a " + string(task.SubmissionType) + " submission")
	}
	if strings.TrimSpace(p.Value) == "" {
		return apperrors.ErrValidation.WithMessage("submission content is required")
	}
	if p.Kind == constants.SubmissionURL {
		u, err := url.Parse(p.Value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperrors.ErrValidation.WithMessage("submission url must be an absolute http(s) url")
		}
	}
	return nil
}

func (s *ReviewService) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	return s.Store.Submissions.FindByID(ctx, id)
}

func (s *ReviewService) ListSubmissions(ctx context.Context, taskID string, status constants.SubmissionStatus) ([]model.Submission, error) {
	if _, err := s.Store.Tasks.FindByID(ctx, taskID); err != nil {
		return nil, err
	}
	return s.Store.Submissions.ListByTask(ctx, taskID, status)
}

// Approve pays the worker and marks the submission approved.
func (s *ReviewService) Approve(ctx context.Context, submissionID, reviewer string) (*Result, error) {
	return s.decide(ctx, submissionID, reviewer, constants.DecisionApprove)
}

// Reject marks the submission rejected, unless the rejection would push the
// task over its rejection limit, in which case the submission is approved
// and paid with outcome auto_approved_over_limit.
func (s *ReviewService) Reject(ctx context.Context, submissionID, reviewer string) (*Result, error) {
	return s.decide(ctx, submissionID, reviewer, constants.DecisionReject)
}

func (s *ReviewService) decide(ctx context.Context, submissionID, reviewer string, decision constants.Decision) (*Result, error) {
	sub, err := s.Store.Submissions.FindByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	task, err := s.Store.Tasks.FindByID(ctx, sub.TaskID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReviewer(ctx, task, reviewer); err != nil {
		return nil, err
	}

	var res *Result
	err = s.withTaskLock(ctx, task.ID, func(ctx context.Context) error {
		// re-read under the lock; the rows above may be stale
		sub, err := s.Store.Submissions.FindByID(ctx, submissionID)
		if err != nil {
			return err
		}
		task, err := s.Store.Tasks.FindByID(ctx, sub.TaskID)
		if err != nil {
			return err
		}

		if sub.Status.Terminal() {
			res, err = replay(sub, task, decision)
			return err
		}

		if decision == constants.DecisionApprove {
			res, err = s.approveLocked(ctx, sub, task, constants.OutcomeApproved, reviewer)
			return err
		}
		res, err = s.rejectLocked(ctx, sub, task, reviewer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *ReviewService) authorizeReviewer(ctx context.Context, task *model.Task, reviewer string) error {
	if reviewer == "" {
		return apperrors.ErrUnauthorized
	}
	if reviewer == task.Requester {
		return nil
	}
	return s.requireAdmin(ctx, reviewer)
}

func replay(sub *model.Submission, task *model.Task, decision constants.Decision) (*Result, error) {
	if !decision.Satisfies(sub.Outcome) {
		return nil, apperrors.ErrConflictingDecision.WithMessage(
			"submission was already decided as " + string(sub.Outcome))
	}
	return &Result{Submission: sub, Task: task, Replayed: true}, nil
}

// OverRejectionLimit reports whether one more rejection would push the
// rejected share of decided submissions above limit percent. The check is
// done in integers: projected*100 > limit*(completed+projected).
func OverRejectionLimit(completed, rejected, limit int) bool {
	projected := rejected + 1
	return projected*100 > limit*(completed+projected)
}

func (s *ReviewService) rejectLocked(ctx context.Context, sub *model.Submission, task *model.Task, reviewer string) (*Result, error) {
	payable := task.Status.Active() && !task.Full()
	if payable && OverRejectionLimit(task.WorkersCompleted, task.WorkersRejected, task.RejectionLimitPercentage) {
		s.Logger.Info("rejection limit reached, approving instead",
			zap.String("submission_id", sub.ID),
			zap.String("task_id", task.ID),
			zap.Int("rejected", task.WorkersRejected),
			zap.Int("completed", task.WorkersCompleted))
		return s.approveLocked(ctx, sub, task, constants.OutcomeAutoApprovedOverLimit, reviewer)
	}

	intent, err := s.Store.Transactions.FindForSubmission(ctx, sub.ID, constants.TransactionRelease)
	if err != nil {
		return nil, err
	}
	if intent != nil {
		return nil, apperrors.ErrConflictingDecision.WithMessage(
			"a payout for this submission is already in flight; approve it to finish")
	}

	now := s.now()
	err = s.Store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Submissions.Decide(ctx, sub, constants.OutcomeRejected, reviewer, now); err != nil {
			return err
		}
		_, err := s.lifecycle.RecordRejection(ctx, tx, task)
		return err
	})
	if errors.Is(err, apperrors.ErrAlreadyReviewed) {
		current, ferr := s.Store.Submissions.FindByID(ctx, sub.ID)
		if ferr != nil {
			return nil, ferr
		}
		return replay(current, task, constants.DecisionReject)
	}
	if err != nil {
		return nil, err
	}

	s.Metrics.Decision(string(constants.OutcomeRejected))
	s.Logger.Info("submission rejected",
		zap.String("submission_id", sub.ID),
		zap.String("task_id", task.ID),
		zap.String("reviewer", reviewer))
	return &Result{Submission: sub, Task: task}, nil
}

// approveLocked releases the payout and only then records the decision. The
// release is preceded by a pending intent in the journal and keyed by the
// submission, so a retry after a failed commit finishes the approval without
// paying twice. A refused release leaves the submission pending. The caller
// holds the task lock.
func (s *ReviewService) approveLocked(ctx context.Context, sub *model.Submission, task *model.Task, outcome constants.Outcome, reviewer string) (*Result, error) {
	if !task.Status.Active() {
		return nil, apperrors.ErrTaskNotAcceptingSubmissions.WithMessage("task is " + string(task.Status))
	}
	if task.Full() {
		return nil, apperrors.ErrCapacityReached
	}

	payout := task.PaymentPerTask
	intent, err := s.releaseIntent(ctx, sub, task, payout)
	if err != nil {
		return nil, err
	}

	receipt, err := s.Ledger.ReleaseFunds(ctx, task.EscrowHandle, sub.Worker, payout, intent.IdempotencyKey())
	s.Metrics.LedgerCall(string(ledger.OpRelease), err)
	if err != nil {
		// an unavailable rail may still have paid; keep the intent so only
		// an approval can follow
		if !errors.Is(err, ledger.ErrUnavailable) {
			if derr := s.Store.Transactions.Discard(ctx, intent.ID); derr != nil {
				s.Logger.Warn("could not discard release intent",
					zap.String("submission_id", sub.ID), zap.Error(derr))
			}
		}
		s.Logger.Warn("payout failed, submission left pending",
			zap.String("submission_id", sub.ID),
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil, errors.Wrap(apperrors.ErrPayoutFailed, err.Error())
	}

	fee, feeReceipt := s.collectFee(ctx, task, sub.ID, payout)

	now := s.now()
	err = s.Store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Submissions.Decide(ctx, sub, outcome, reviewer, now); err != nil {
			return err
		}
		task.FeeCollected = task.FeeCollected.Add(fee)
		if _, err := s.lifecycle.RecordApproval(ctx, tx, task, payout); err != nil {
			return err
		}
		if err := tx.Transactions.Confirm(ctx, intent.ID, receipt.ID, now); err != nil {
			return err
		}
		if fee.IsZero() {
			return nil
		}
		subID := sub.ID
		return tx.Transactions.Record(ctx, &model.Transaction{
			TaskID:       task.ID,
			SubmissionID: &subID,
			Kind:         constants.TransactionFee,
			Amount:       fee,
			Counterparty: s.Policy.PlatformWallet,
			ReceiptID:    feeReceipt,
			RecordedAt:   now,
		})
	})
	if errors.Is(err, apperrors.ErrAlreadyReviewed) {
		current, ferr := s.Store.Submissions.FindByID(ctx, sub.ID)
		if ferr != nil {
			return nil, ferr
		}
		return replay(current, task, decisionFor(outcome))
	}
	if err != nil {
		s.Logger.Error("payout released but decision not persisted, retry approves without paying again",
			zap.String("submission_id", sub.ID),
			zap.String("task_id", task.ID),
			zap.String("receipt", receipt.ID),
			zap.Error(err))
		return nil, errors.Wrap(err, "persist approval")
	}

	s.Metrics.Decision(string(outcome))
	s.Logger.Info("submission approved",
		zap.String("submission_id", sub.ID),
		zap.String("task_id", task.ID),
		zap.String("outcome", string(outcome)),
		zap.String("payout", payout.String()))

	if task.Status.Terminal() {
		if err := s.lifecycle.settle(ctx, task); err != nil {
			s.Logger.Warn("excess refund failed, sweep will retry",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return &Result{Submission: sub, Task: task}, nil
}

// releaseIntent returns the pending release row for sub, writing it first if
// this is the first attempt.
func (s *ReviewService) releaseIntent(ctx context.Context, sub *model.Submission, task *model.Task, payout decimal.Decimal) (*model.Transaction, error) {
	intent, err := s.Store.Transactions.FindForSubmission(ctx, sub.ID, constants.TransactionRelease)
	if err != nil || intent != nil {
		return intent, err
	}

	subID := sub.ID
	intent = &model.Transaction{
		TaskID:       task.ID,
		SubmissionID: &subID,
		Kind:         constants.TransactionRelease,
		Status:       constants.TransactionPending,
		Amount:       payout,
		Counterparty: sub.Worker,
		RecordedAt:   s.now(),
	}
	if err := s.Store.Transactions.Record(ctx, intent); err != nil {
		return nil, errors.Wrap(err, "record release intent")
	}
	return intent, nil
}

func decisionFor(outcome constants.Outcome) constants.Decision {
	if outcome == constants.OutcomeAutoApprovedOverLimit {
		return constants.DecisionReject
	}
	return constants.DecisionApprove
}

// collectFee moves the platform fee for one payout to the platform wallet
// when fee collection is enabled. A failed fee release is logged and the fee
// stays in escrow, to be refunded with the remainder.
func (s *ReviewService) collectFee(ctx context.Context, task *model.Task, submissionID string, payout decimal.Decimal) (decimal.Decimal, string) {
	if !s.Policy.CollectFeeOnApproval || s.Policy.PlatformWallet == "" {
		return decimal.Zero, ""
	}
	fee := model.FeeOn(payout, task.PlatformFeePercentage)
	if !fee.IsPositive() {
		return decimal.Zero, ""
	}

	key := string(constants.TransactionFee) + ":" + submissionID
	receipt, err := s.Ledger.ReleaseFunds(ctx, task.EscrowHandle, s.Policy.PlatformWallet, fee, key)
	s.Metrics.LedgerCall(string(ledger.OpRelease), err)
	if err != nil {
		s.Logger.Warn("platform fee release failed",
			zap.String("task_id", task.ID), zap.String("fee", fee.String()), zap.Error(err))
		return decimal.Zero, ""
	}
	return fee, receipt.ID
}

// AutoApprove approves a submission that has waited longer than the review
// timeout. Submissions that were decided meanwhile, are not stale yet, or
// belong to a task that can no longer pay are skipped and nil is returned.
func (s *ReviewService) AutoApprove(ctx context.Context, submissionID string, now time.Time) (*Result, error) {
	return s.autoApprove(ctx, submissionID, now.Add(-s.Policy.AutoApprovalTimeout))
}

func (s *ReviewService) autoApprove(ctx context.Context, submissionID string, cutoff time.Time) (*Result, error) {
	sub, err := s.Store.Submissions.FindByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.withTaskLock(ctx, sub.TaskID, func(ctx context.Context) error {
		sub, err := s.Store.Submissions.FindByID(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub.Status != constants.SubmissionPending || sub.SubmittedAt.After(cutoff) {
			return nil
		}

		task, err := s.Store.Tasks.FindByID(ctx, sub.TaskID)
		if err != nil {
			return err
		}
		if !task.Status.Active() || task.Full() {
			return nil
		}

		res, err = s.approveLocked(ctx, sub, task, constants.OutcomeAutoApprovedByTimeout, SystemReviewer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// StaleSubmissions lists pending submissions past the review timeout on
// active tasks, oldest first.
func (s *ReviewService) StaleSubmissions(ctx context.Context, now time.Time) ([]model.Submission, error) {
	return s.Store.Submissions.ListStale(ctx, now.Add(-s.Policy.AutoApprovalTimeout), s.Policy.SweepBatchSize)
}

// ReviewPendingOlderThan auto-approves, in the caller's goroutine, every
// pending submission handed in at least age before now.
func (s *ReviewService) ReviewPendingOlderThan(ctx context.Context, age time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-age)
	subs, err := s.Store.Submissions.ListStale(ctx, cutoff, s.Policy.SweepBatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list stale submissions")
	}

	approved := 0
	for _, sub := range subs {
		res, err := s.autoApprove(ctx, sub.ID, cutoff)
		if err != nil {
			s.Logger.Warn("auto-approval failed", zap.String("submission_id", sub.ID), zap.Error(err))
			continue
		}
		if res != nil {
			approved++
		}
	}
	return approved, nil
}

// SweepStaleSubmissions auto-approves every submission past the configured
// review timeout.
func (s *ReviewService) SweepStaleSubmissions(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	n, err := s.ReviewPendingOlderThan(ctx, s.Policy.AutoApprovalTimeout, now)
	s.Metrics.Sweep("stale_submissions", started, n)
	return n, err
}

// RejectionBudget summarizes how close a task is to its rejection limit.
type RejectionBudget struct {
	TaskID              string          `json:"task_id"`
	LimitPercentage     int             `json:"limit_percentage"`
	Completed           int             `json:"completed"`
	Rejected            int             `json:"rejected"`
	RejectionRate       decimal.Decimal `json:"rejection_rate"`
	RemainingRejections int             `json:"remaining_rejections"`
	Unlimited           bool            `json:"unlimited"`
}

func (s *ReviewService) RejectionBudget(ctx context.Context, taskID string) (*RejectionBudget, error) {
	task, err := s.Store.Tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return budgetFor(task), nil
}

func budgetFor(task *model.Task) *RejectionBudget {
	c, r, limit := task.WorkersCompleted, task.WorkersRejected, task.RejectionLimitPercentage
	b := &RejectionBudget{
		TaskID:          task.ID,
		LimitPercentage: limit,
		Completed:       c,
		Rejected:        r,
		RejectionRate:   decimal.Zero,
	}
	if c+r > 0 {
		b.RejectionRate = decimal.NewFromInt(int64(r * 100)).Div(decimal.NewFromInt(int64(c + r))).Round(2)
	}
	if limit >= 100 {
		b.Unlimited = true
		return b
	}

	// largest k with (r+k)*100 <= limit*(c+r+k)
	if room := limit*(c+r) - 100*r; room > 0 {
		b.RemainingRejections = room / (100 - limit)
	}
	return b
}
