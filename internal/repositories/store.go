package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories so a caller can run several writes in one
// database transaction.
type Store struct {
	db           *gorm.DB
	Tasks        *TaskRepository
	Submissions  *SubmissionRepository
	Transactions *TransactionRepository
	Admins       *AdminRepository
}

func NewStore(db *gorm.DB, staticAdmins []string) *Store {
	return &Store{
		db:           db,
		Tasks:        NewTaskRepository(db),
		Submissions:  NewSubmissionRepository(db),
		Transactions: NewTransactionRepository(db),
		Admins:       NewAdminRepository(db, staticAdmins),
	}
}

// Transaction runs fn against a Store bound to a single database transaction.
// Returning an error from fn rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{
			db:           tx,
			Tasks:        NewTaskRepository(tx),
			Submissions:  NewSubmissionRepository(tx),
			Transactions: NewTransactionRepository(tx),
			Admins:       s.Admins.withDB(tx),
		})
	})
}
