// Package ledger abstracts the settlement rail that holds task escrow.
//
// Implementations may be a blockchain client or a plain ledger table. Every
// call is a fallible remote operation. Releases carry an idempotency key so a
// retried release cannot pay a worker twice.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrUnavailable       = errors.New("ledger: unavailable")
	ErrUnknownHandle     = errors.New("ledger: unknown lock handle")
	ErrPayerMismatch     = errors.New("ledger: refund payer does not own the handle")
	// ErrOverRelease means the caller tried to release more than the handle
	// still holds. It is a programming error in the caller.
	ErrOverRelease = errors.New("ledger: release exceeds locked remainder")
)

type LockHandle struct {
	ID       string          `json:"id"`
	Payer    string          `json:"payer"`
	Amount   decimal.Decimal `json:"amount"`
	LockedAt time.Time       `json:"locked_at"`
}

type ReceiptKind string

const (
	ReceiptRelease ReceiptKind = "release"
	ReceiptRefund  ReceiptKind = "refund"
)

type Receipt struct {
	ID     string          `json:"id"`
	Handle string          `json:"handle"`
	Kind   ReceiptKind     `json:"kind"`
	Payee  string          `json:"payee"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"at"`
}

type Ledger interface {
	LockFunds(ctx context.Context, payer string, amount decimal.Decimal) (LockHandle, error)

	// ReleaseFunds pays amount from the handle to payee. A non-empty key makes
	// the call idempotent: a repeated key returns the first receipt and moves
	// nothing.
	ReleaseFunds(ctx context.Context, handle, payee string, amount decimal.Decimal, key string) (Receipt, error)

	// RefundRemainder returns whatever the handle still holds to payer. An
	// empty handle yields a zero-amount receipt.
	RefundRemainder(ctx context.Context, handle, payer string) (Receipt, error)
}
