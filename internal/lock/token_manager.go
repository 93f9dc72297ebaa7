package lock

import (
	"context"
	"errors"
	"sync/atomic"
)

// TokenManager hands out the single sweep token. Only the holder runs the
// periodic sweep, so replicas do not race each other over the same rows.
type TokenManager interface {
	AcquireToken(ctx context.Context) error

	ReleaseToken(ctx context.Context) error
}

var ErrNoTokenAvailable = errors.New("sweep token held elsewhere")

type LocalTokenManager struct {
	held atomic.Bool
}

func NewLocalTokenManager() *LocalTokenManager {
	return &LocalTokenManager{}
}

func (m *LocalTokenManager) AcquireToken(ctx context.Context) error {
	if !m.held.CompareAndSwap(false, true) {
		return ErrNoTokenAvailable
	}
	return nil
}

func (m *LocalTokenManager) ReleaseToken(ctx context.Context) error {
	m.held.Store(false)
	return nil
}
