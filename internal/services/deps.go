package services

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "taskblitz.com/taskblitz/internal/errors"
	"taskblitz.com/taskblitz/internal/ledger"
	"taskblitz.com/taskblitz/internal/lock"
	"taskblitz.com/taskblitz/internal/metrics"
	repository "taskblitz.com/taskblitz/internal/repositories"
)

// Policy holds the platform-wide knobs the engines enforce.
type Policy struct {
	PlatformFeePercentage    decimal.Decimal
	RejectionLimitPercentage int
	AutoApprovalTimeout      time.Duration
	MinTaskPayment           decimal.Decimal
	CollectFeeOnApproval     bool
	PlatformWallet           string
	LockWait                 time.Duration
	SweepBatchSize           int
}

func DefaultPolicy() Policy {
	return Policy{
		PlatformFeePercentage:    decimal.NewFromInt(10),
		RejectionLimitPercentage: 30,
		AutoApprovalTimeout:      72 * time.Hour,
		MinTaskPayment:           decimal.RequireFromString("0.10"),
		LockWait:                 10 * time.Second,
		SweepBatchSize:           100,
	}
}

// AdminChecker is the moderation gate. The store's admin repository is the
// default implementation.
type AdminChecker interface {
	IsAdmin(ctx context.Context, wallet string) (bool, error)
}

type Deps struct {
	Store   *repository.Store
	Ledger  ledger.Ledger
	Locker  lock.TaskLocker
	Admins  AdminChecker
	Policy  Policy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocalTaskLocker()
	}
	if d.Admins == nil && d.Store != nil {
		d.Admins = d.Store.Admins
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Policy.SweepBatchSize <= 0 {
		d.Policy.SweepBatchSize = 100
	}
	return d
}

func (d Deps) now() time.Time {
	return d.Clock().UTC()
}

// withTaskLock runs fn while holding the task's serialization point. The
// context handed to fn is cancelled if the lock is lost midway.
func (d Deps) withTaskLock(ctx context.Context, taskID string, fn func(ctx context.Context) error) error {
	lockCtx := ctx
	if d.Policy.LockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, d.Policy.LockWait)
		defer cancel()
	}

	lost, unlock, err := d.Locker.Lock(lockCtx, taskID)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return apperrors.ErrLockTimeout
		}
		return errors.Wrapf(err, "lock task %s", taskID)
	}
	defer unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := fn(runCtx); err != nil {
		select {
		case <-lost:
			return errors.Wrapf(err, "lock on task %s lost", taskID)
		default:
		}
		return err
	}
	return nil
}

func (d Deps) requireAdmin(ctx context.Context, actor string) error {
	ok, err := d.Admins.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrUnauthorized
	}
	return nil
}

// ledgerError maps settlement rail failures onto the service taxonomy.
func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return apperrors.ErrInsufficientFunds
	case errors.Is(err, ledger.ErrUnavailable):
		return errors.Wrap(apperrors.ErrLedgerUnavailable, err.Error())
	default:
		return errors.Wrap(err, "ledger")
	}
}
