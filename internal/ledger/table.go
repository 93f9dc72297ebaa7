package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Account struct {
	Wallet    string          `gorm:"primaryKey;size:64"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"`
	Version   uint            `gorm:"not null;default:1"`
	UpdatedAt time.Time
}

func (Account) TableName() string { return "ledger_accounts" }

type Hold struct {
	ID        string          `gorm:"primaryKey;size:36"`
	Payer     string          `gorm:"size:64;not null;index"`
	Locked    decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Remaining decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Version   uint            `gorm:"not null;default:1"`
	CreatedAt time.Time
}

func (Hold) TableName() string { return "ledger_holds" }

type Entry struct {
	ID             string          `gorm:"primaryKey;size:36"`
	HoldID         string          `gorm:"size:36;index"`
	Kind           string          `gorm:"size:16;not null"`
	Account        string          `gorm:"size:64;not null;index"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	IdempotencyKey *string         `gorm:"size:128;uniqueIndex"`
	CreatedAt      time.Time
}

func (Entry) TableName() string { return "ledger_entries" }

var errStale = errors.New("ledger: stale row")

const casAttempts = 3

// TableLedger settles escrow in plain database tables. Balance and hold rows
// are updated with version compare-and-set inside one transaction per call.
type TableLedger struct {
	db *gorm.DB
}

func NewTableLedger(db *gorm.DB) (*TableLedger, error) {
	if err := db.AutoMigrate(&Account{}, &Hold{}, &Entry{}); err != nil {
		return nil, errors.Wrap(err, "migrate ledger tables")
	}
	return &TableLedger{db: db}, nil
}

func (l *TableLedger) Deposit(ctx context.Context, wallet string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit must be positive, got %s", amount)
	}
	return l.run(ctx, func(tx *gorm.DB) error {
		acct, err := l.account(tx, wallet)
		if err != nil {
			return err
		}
		if err := l.setBalance(tx, acct, acct.Balance.Add(amount)); err != nil {
			return err
		}
		return l.entry(tx, "", "deposit", wallet, amount)
	})
}

func (l *TableLedger) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	var acct Account
	err := l.db.WithContext(ctx).First(&acct, "wallet = ?", wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return acct.Balance, nil
}

func (l *TableLedger) LockFunds(ctx context.Context, payer string, amount decimal.Decimal) (LockHandle, error) {
	handle := LockHandle{
		ID:       uuid.NewString(),
		Payer:    payer,
		Amount:   amount,
		LockedAt: time.Now().UTC(),
	}

	err := l.run(ctx, func(tx *gorm.DB) error {
		acct, err := l.account(tx, payer)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		if err := l.setBalance(tx, acct, acct.Balance.Sub(amount)); err != nil {
			return err
		}
		h := Hold{ID: handle.ID, Payer: payer, Locked: amount, Remaining: amount, Version: 1, CreatedAt: handle.LockedAt}
		if err := tx.Create(&h).Error; err != nil {
			return err
		}
		return l.entry(tx, h.ID, string(OpLock), payer, amount)
	})
	if err != nil {
		return LockHandle{}, err
	}
	return handle, nil
}

func (l *TableLedger) ReleaseFunds(ctx context.Context, handle, payee string, amount decimal.Decimal, key string) (Receipt, error) {
	var receipt Receipt

	err := l.run(ctx, func(tx *gorm.DB) error {
		receipt = Receipt{ID: uuid.NewString(), Handle: handle, Kind: ReceiptRelease, Payee: payee, Amount: amount}
		if key != "" {
			var prior Entry
			err := tx.First(&prior, "idempotency_key = ?", key).Error
			if err == nil {
				receipt = Receipt{ID: prior.ID, Handle: prior.HoldID, Kind: ReceiptRelease, Payee: prior.Account, Amount: prior.Amount, At: prior.CreatedAt}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		h, err := l.hold(tx, handle)
		if err != nil {
			return err
		}
		if amount.GreaterThan(h.Remaining) {
			return ErrOverRelease
		}
		if err := l.setRemaining(tx, h, h.Remaining.Sub(amount)); err != nil {
			return err
		}
		acct, err := l.account(tx, payee)
		if err != nil {
			return err
		}
		if err := l.setBalance(tx, acct, acct.Balance.Add(amount)); err != nil {
			return err
		}
		e := Entry{ID: receipt.ID, HoldID: handle, Kind: string(OpRelease), Account: payee, Amount: amount, CreatedAt: time.Now().UTC()}
		if key != "" {
			e.IdempotencyKey = &key
		}
		err = tx.Create(&e).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// a concurrent release with the same key won; rerun to return its receipt
			return errStale
		}
		receipt.At = e.CreatedAt
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (l *TableLedger) RefundRemainder(ctx context.Context, handle, payer string) (Receipt, error) {
	receipt := Receipt{ID: uuid.NewString(), Handle: handle, Kind: ReceiptRefund, Payee: payer}

	err := l.run(ctx, func(tx *gorm.DB) error {
		h, err := l.hold(tx, handle)
		if err != nil {
			return err
		}
		if h.Payer != payer {
			return ErrPayerMismatch
		}
		receipt.Amount = h.Remaining
		if h.Remaining.IsZero() {
			return nil
		}
		if err := l.setRemaining(tx, h, decimal.Zero); err != nil {
			return err
		}
		acct, err := l.account(tx, payer)
		if err != nil {
			return err
		}
		if err := l.setBalance(tx, acct, acct.Balance.Add(receipt.Amount)); err != nil {
			return err
		}
		return l.entryWithID(tx, receipt.ID, handle, string(OpRefund), payer, receipt.Amount)
	})
	if err != nil {
		return Receipt{}, err
	}
	receipt.At = time.Now().UTC()
	return receipt, nil
}

// run retries fn on version conflicts only; nothing has been committed when
// a conflict is observed, so the retry cannot move funds twice.
func (l *TableLedger) run(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		err = l.db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, errStale) {
			break
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrOverRelease),
		errors.Is(err, ErrUnknownHandle), errors.Is(err, ErrPayerMismatch):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func (l *TableLedger) account(tx *gorm.DB, wallet string) (*Account, error) {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{Wallet: wallet, Balance: decimal.Zero, Version: 1}).Error; err != nil {
		return nil, err
	}
	var acct Account
	if err := tx.First(&acct, "wallet = ?", wallet).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (l *TableLedger) hold(tx *gorm.DB, id string) (*Hold, error) {
	var h Hold
	err := tx.First(&h, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownHandle
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (l *TableLedger) setBalance(tx *gorm.DB, acct *Account, balance decimal.Decimal) error {
	res := tx.Model(&Account{}).
		Where("wallet = ? AND version = ?", acct.Wallet, acct.Version).
		Updates(map[string]interface{}{
			"balance":    balance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

func (l *TableLedger) setRemaining(tx *gorm.DB, h *Hold, remaining decimal.Decimal) error {
	res := tx.Model(&Hold{}).
		Where("id = ? AND version = ?", h.ID, h.Version).
		Updates(map[string]interface{}{
			"remaining": remaining,
			"version":   gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

func (l *TableLedger) entry(tx *gorm.DB, holdID, kind, account string, amount decimal.Decimal) error {
	return l.entryWithID(tx, uuid.NewString(), holdID, kind, account, amount)
}

func (l *TableLedger) entryWithID(tx *gorm.DB, id, holdID, kind, account string, amount decimal.Decimal) error {
	return tx.Create(&Entry{
		ID:        id,
		HoldID:    holdID,
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}).Error
}
