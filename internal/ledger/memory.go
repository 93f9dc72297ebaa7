package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Op string

const (
	OpLock    Op = "lock"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
)

type hold struct {
	payer     string
	locked    decimal.Decimal
	remaining decimal.Decimal
}

// MemoryLedger is the reference implementation: account balances and escrow
// holds kept in process memory. Faults can be queued per operation so tests
// can exercise failure paths.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	holds    map[string]*hold
	receipts map[string]Receipt
	faults   map[Op][]error
	calls    map[Op]int
	delay    time.Duration
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]decimal.Decimal),
		holds:    make(map[string]*hold),
		receipts: make(map[string]Receipt),
		faults:   make(map[Op][]error),
		calls:    make(map[Op]int),
	}
}

func (m *MemoryLedger) Deposit(account string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balances[account].Add(amount)
}

func (m *MemoryLedger) Balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

// Remaining returns what a handle still holds.
func (m *MemoryLedger) Remaining(handle string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[handle]; ok {
		return h.remaining
	}
	return decimal.Zero
}

// FailNext makes the next call of op return err instead of running.
func (m *MemoryLedger) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

func (m *MemoryLedger) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SetDelay simulates a slow rail; every call sleeps for d before running.
func (m *MemoryLedger) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MemoryLedger) begin(ctx context.Context, op Op) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ErrUnavailable
		}
	}

	m.mu.Lock()
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		err := q[0]
		m.faults[op] = q[1:]
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryLedger) LockFunds(ctx context.Context, payer string, amount decimal.Decimal) (LockHandle, error) {
	if err := m.begin(ctx, OpLock); err != nil {
		return LockHandle{}, err
	}
	defer m.mu.Unlock()

	if m.balances[payer].LessThan(amount) {
		return LockHandle{}, ErrInsufficientFunds
	}
	m.balances[payer] = m.balances[payer].Sub(amount)

	handle := LockHandle{
		ID:       uuid.NewString(),
		Payer:    payer,
		Amount:   amount,
		LockedAt: time.Now().UTC(),
	}
	m.holds[handle.ID] = &hold{payer: payer, locked: amount, remaining: amount}
	return handle, nil
}

func (m *MemoryLedger) ReleaseFunds(ctx context.Context, handle, payee string, amount decimal.Decimal, key string) (Receipt, error) {
	if err := m.begin(ctx, OpRelease); err != nil {
		return Receipt{}, err
	}
	defer m.mu.Unlock()

	if r, ok := m.receipts[key]; ok && key != "" {
		return r, nil
	}

	h, ok := m.holds[handle]
	if !ok {
		return Receipt{}, ErrUnknownHandle
	}
	if amount.GreaterThan(h.remaining) {
		return Receipt{}, ErrOverRelease
	}
	h.remaining = h.remaining.Sub(amount)
	m.balances[payee] = m.balances[payee].Add(amount)

	r := Receipt{
		ID:     uuid.NewString(),
		Handle: handle,
		Kind:   ReceiptRelease,
		Payee:  payee,
		Amount: amount,
		At:     time.Now().UTC(),
	}
	if key != "" {
		m.receipts[key] = r
	}
	return r, nil
}

func (m *MemoryLedger) RefundRemainder(ctx context.Context, handle, payer string) (Receipt, error) {
	if err := m.begin(ctx, OpRefund); err != nil {
		return Receipt{}, err
	}
	defer m.mu.Unlock()

	h, ok := m.holds[handle]
	if !ok {
		return Receipt{}, ErrUnknownHandle
	}
	if payer != h.payer {
		return Receipt{}, ErrPayerMismatch
	}
	amount := h.remaining
	h.remaining = decimal.Zero
	m.balances[h.payer] = m.balances[h.payer].Add(amount)

	return Receipt{
		ID:     uuid.NewString(),
		Handle: handle,
		Kind:   ReceiptRefund,
		Payee:  h.payer,
		Amount: amount,
		At:     time.Now().UTC(),
	}, nil
}
