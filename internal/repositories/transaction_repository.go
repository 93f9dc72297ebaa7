package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"taskblitz.com/taskblitz/internal/constants"
	model "taskblitz.com/taskblitz/internal/models"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Record(ctx context.Context, tx *model.Transaction) error {
	if tx.Status == "" {
		tx.Status = constants.TransactionConfirmed
	}
	return r.db.WithContext(ctx).Create(tx).Error
}

// FindForSubmission returns the journal row of kind for a submission, or nil
// when there is none.
func (r *TransactionRepository) FindForSubmission(ctx context.Context, submissionID string, kind constants.TransactionKind) (*model.Transaction, error) {
	var tx model.Transaction
	err := r.db.WithContext(ctx).
		Where("submission_id = ? AND kind = ?", submissionID, kind).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find %s transaction for submission %s", kind, submissionID)
	}
	return &tx, nil
}

// Confirm turns a pending intent into a confirmed entry carrying the ledger
// receipt.
func (r *TransactionRepository) Confirm(ctx context.Context, id uint, receiptID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, constants.TransactionPending).
		Updates(map[string]interface{}{
			"status":      constants.TransactionConfirmed,
			"receipt_id":  receiptID,
			"recorded_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("transaction %d is not a pending intent", id)
	}
	return nil
}

// Discard removes a pending intent the ledger refused outright.
func (r *TransactionRepository) Discard(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, constants.TransactionPending).
		Delete(&model.Transaction{}).Error
}

func (r *TransactionRepository) ListByTask(ctx context.Context, taskID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("recorded_at asc").Order("id asc").
		Find(&txs).Error
	return txs, err
}
