package lock

import (
	"context"
	"errors"
	"sync"
)

// TaskLocker serializes work on a single task. Holding one task's lock never
// blocks operations on another task. ctx bounds only the wait. The lost
// channel is closed if the lock is taken away while held; a nil channel
// means the lock cannot be lost.
type TaskLocker interface {
	Lock(ctx context.Context, taskID string) (lost <-chan struct{}, unlock func(), err error)
}

var ErrLockTimeout = errors.New("timed out waiting for task lock")

type slot struct {
	ch   chan struct{}
	refs int
}

// LocalTaskLocker is a keyed mutex for a single process. Slots are dropped
// once nobody holds or waits on them.
type LocalTaskLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewLocalTaskLocker() *LocalTaskLocker {
	return &LocalTaskLocker{slots: make(map[string]*slot)}
}

func (l *LocalTaskLocker) Lock(ctx context.Context, taskID string) (<-chan struct{}, func(), error) {
	l.mu.Lock()
	s, ok := l.slots[taskID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[taskID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return nil, func() {
			once.Do(func() {
				<-s.ch
				l.release(taskID, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(taskID, s)
		return nil, nil, ErrLockTimeout
	}
}

func (l *LocalTaskLocker) release(taskID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, taskID)
	}
}
