package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"taskblitz.com/taskblitz/internal/lock"
)

type SweeperConfig struct {
	Interval  time.Duration
	Workers   int
	QueueSize int
}

// Sweeper runs the periodic expiry and auto-approval passes. Stale
// submissions are fanned out to a fixed set of workers; a submission is
// queued at most once until a worker has finished with it.
type Sweeper struct {
	lifecycle *LifecycleService
	review    *ReviewService
	tokens    lock.TokenManager
	logger    *zap.Logger
	clock     func() time.Time
	interval  time.Duration

	queue    chan string
	wg       sync.WaitGroup
	loopWG   sync.WaitGroup
	enqueued sync.Map
	approved atomic.Int64
	stop     chan struct{}
}

func NewSweeper(lifecycle *LifecycleService, review *ReviewService, tokens lock.TokenManager, cfg SweeperConfig) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = review.Policy.SweepBatchSize
	}
	if tokens == nil {
		tokens = lock.NewLocalTokenManager()
	}

	s := &Sweeper{
		lifecycle: lifecycle,
		review:    review,
		tokens:    tokens,
		logger:    review.Logger,
		clock:     review.now,
		interval:  cfg.Interval,
		queue:     make(chan string, cfg.QueueSize),
		stop:      make(chan struct{}),
	}

	for i := 1; i <= cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Start begins the ticker loop. A zero interval leaves the sweeper idle;
// RunOnce can still be called directly.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.loopWG.Add(1)
	go s.loop()
}

func (s *Sweeper) loop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil && !errors.Is(err, lock.ErrNoTokenAvailable) {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

type SweepReport struct {
	Expired  int `json:"expired"`
	Enqueued int `json:"enqueued"`
}

// RunOnce performs one pass if this process holds the sweep token. Expiry
// runs inline; stale submissions are handed to the workers.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if err := s.tokens.AcquireToken(ctx); err != nil {
		return report, err
	}
	defer func() {
		if err := s.tokens.ReleaseToken(ctx); err != nil {
			s.logger.Warn("failed to release sweep token", zap.Error(err))
		}
	}()

	now := s.clock()

	expired, err := s.lifecycle.SweepExpiredTasks(ctx, now)
	if err != nil {
		return report, err
	}
	report.Expired = expired

	subs, err := s.review.StaleSubmissions(ctx, now)
	if err != nil {
		return report, err
	}
	for _, sub := range subs {
		ok, full := s.enqueueIfNotPresent(sub.ID)
		if full {
			break
		}
		if ok {
			report.Enqueued++
		}
	}

	if report.Expired > 0 || report.Enqueued > 0 {
		s.logger.Info("sweep pass", zap.Int("expired", report.Expired), zap.Int("enqueued", report.Enqueued))
	}
	return report, nil
}

func (s *Sweeper) worker(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("sweep worker started", zap.Int("worker", workerID))

	for submissionID := range s.queue {
		s.handle(workerID, submissionID)
	}

	s.logger.Debug("sweep worker stopped", zap.Int("worker", workerID))
}

func (s *Sweeper) handle(workerID int, submissionID string) {
	defer s.untrackEnqueued(submissionID)

	res, err := s.review.AutoApprove(context.Background(), submissionID, s.clock())
	if err != nil {
		s.logger.Warn("auto-approval failed",
			zap.Int("worker", workerID),
			zap.String("submission_id", submissionID),
			zap.Error(err))
		return
	}
	if res != nil {
		s.approved.Add(1)
		s.logger.Info("submission auto-approved after timeout",
			zap.Int("worker", workerID),
			zap.String("submission_id", submissionID),
			zap.String("task_id", res.Task.ID))
	}
}

// Approved is the number of submissions the workers have auto-approved
// since the sweeper was created.
func (s *Sweeper) Approved() int {
	return int(s.approved.Load())
}

func (s *Sweeper) enqueueIfNotPresent(id string) (bool, bool) {
	if !s.trackEnqueued(id) {
		return false, false
	}

	select {
	case s.queue <- id:
		return true, false
	default:
		s.untrackEnqueued(id)
		return false, true
	}
}

func (s *Sweeper) trackEnqueued(id string) bool {
	_, loaded := s.enqueued.LoadOrStore(id, struct{}{})
	return !loaded
}

func (s *Sweeper) untrackEnqueued(id string) {
	s.enqueued.Delete(id)
}

// Drain blocks until every queued submission has been handled.
func (s *Sweeper) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		empty := true
		s.enqueued.Range(func(_, _ any) bool {
			empty = false
			return false
		})
		if empty {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sweeper) Shutdown(ctx context.Context) {
	close(s.stop)
	s.loopWG.Wait()
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("sweeper shut down cleanly")
	case <-ctx.Done():
		s.logger.Warn("sweeper shutdown timed out")
	}
}
