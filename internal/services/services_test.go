package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"taskblitz.com/taskblitz/internal/constants"
	apperrors "taskblitz.com/taskblitz/internal/errors"
	"taskblitz.com/taskblitz/internal/ledger"
	"taskblitz.com/taskblitz/internal/lock"
	model "taskblitz.com/taskblitz/internal/models"
	repository "taskblitz.com/taskblitz/internal/repositories"
)

const (
	requester = "wallet-requester"
	adminUser = "wallet-admin"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockTokenManager hands out a fixed number of sweep tokens.
type mockTokenManager struct {
	mu     sync.Mutex
	tokens int
}

func newMockTokenManager(capacity int) *mockTokenManager {
	return &mockTokenManager{tokens: capacity}
}

func (m *mockTokenManager) AcquireToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens <= 0 {
		return lock.ErrNoTokenAvailable
	}
	m.tokens--
	return nil
}

func (m *mockTokenManager) ReleaseToken(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens++
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

type fixture struct {
	db        *gorm.DB
	store     *repository.Store
	ledger    *ledger.MemoryLedger
	clock     *fakeClock
	lifecycle *LifecycleService
	review    *ReviewService
}

func newFixture(t *testing.T, tweak ...func(*Policy)) *fixture {
	t.Helper()

	policy := DefaultPolicy()
	for _, fn := range tweak {
		fn(&policy)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db := setupTestDB(t)
	f := &fixture{
		db:     db,
		store:  repository.NewStore(db, []string{adminUser}),
		ledger: ledger.NewMemoryLedger(),
		clock:  clock,
	}
	f.ledger.Deposit(requester, dec("1000"))

	deps := Deps{
		Store:  f.store,
		Ledger: f.ledger,
		Policy: policy,
		Clock:  clock.Now,
	}
	f.lifecycle = NewLifecycleService(deps)
	f.review = NewReviewService(deps, f.lifecycle)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(i int) *int {
	return &i
}

func (f *fixture) createTask(t *testing.T, pay string, workers int, limit *int) *model.Task {
	t.Helper()
	task, err := f.lifecycle.CreateTask(context.Background(), CreateTaskInput{
		Requester:                requester,
		Title:                    "Label images",
		SubmissionType:           constants.SubmissionText,
		PaymentPerTask:           dec(pay),
		WorkersNeeded:            workers,
		Deadline:                 f.clock.Now().Add(7 * 24 * time.Hour),
		RejectionLimitPercentage: limit,
	})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func (f *fixture) submit(t *testing.T, taskID, worker string) *model.Submission {
	t.Helper()
	sub, err := f.review.Submit(context.Background(), taskID, worker, model.TextPayload("done by "+worker))
	if err != nil {
		t.Fatalf("failed to submit: %v", err)
	}
	return sub
}

func (f *fixture) reload(t *testing.T, taskID string) *model.Task {
	t.Helper()
	task, err := f.store.Tasks.FindUnscoped(context.Background(), taskID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	return task
}

func assertDec(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("expected %s %s, got %s", what, want, got)
	}
}

func assertErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

func TestCreateTask_LocksEscrow(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "10", 2, nil)

	if task.Status != constants.TaskOpen {
		t.Errorf("expected status %s, got %s", constants.TaskOpen, task.Status)
	}
	if task.RejectionLimitPercentage != 30 {
		t.Errorf("expected default rejection limit 30, got %d", task.RejectionLimitPercentage)
	}
	assertDec(t, "escrow", task.EscrowAmount, "22")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "978")
	assertDec(t, "held", f.ledger.Remaining(task.EscrowHandle), "22")

	txs, err := f.lifecycle.ListTransactions(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("failed to list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != constants.TransactionLock {
		t.Fatalf("expected a single lock transaction, got %+v", txs)
	}
}

func TestCreateTask_LedgerFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := CreateTaskInput{
		Requester:      "wallet-broke",
		Title:          "Transcribe",
		SubmissionType: constants.SubmissionText,
		PaymentPerTask: dec("1"),
		WorkersNeeded:  1,
		Deadline:       f.clock.Now().Add(time.Hour),
	}
	_, err := f.lifecycle.CreateTask(ctx, input)
	assertErr(t, err, apperrors.ErrInsufficientFunds)

	input.Requester = requester
	f.ledger.FailNext(ledger.OpLock, ledger.ErrUnavailable)
	_, err = f.lifecycle.CreateTask(ctx, input)
	assertErr(t, err, apperrors.ErrLedgerUnavailable)

	tasks, err := f.lifecycle.ListTasks(ctx, repository.TaskFilter{Limit: 10})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
	assertDec(t, "requester balance", f.ledger.Balance(requester), "1000")
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	valid := CreateTaskInput{
		Requester:      requester,
		Title:          "Survey",
		SubmissionType: constants.SubmissionURL,
		PaymentPerTask: dec("1"),
		WorkersNeeded:  1,
		Deadline:       now.Add(time.Hour),
	}

	cases := map[string]func(in *CreateTaskInput){
		"zero payment":       func(in *CreateTaskInput) { in.PaymentPerTask = decimal.Zero },
		"below minimum":      func(in *CreateTaskInput) { in.PaymentPerTask = dec("0.05") },
		"no workers":         func(in *CreateTaskInput) { in.WorkersNeeded = 0 },
		"past deadline":      func(in *CreateTaskInput) { in.Deadline = now.Add(-time.Minute) },
		"limit above 100":    func(in *CreateTaskInput) { in.RejectionLimitPercentage = intPtr(101) },
		"unknown submission": func(in *CreateTaskInput) { in.SubmissionType = "video" },
		"blank title":        func(in *CreateTaskInput) { in.Title = "  " },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := f.lifecycle.CreateTask(context.Background(), in)
			assertErr(t, err, apperrors.ErrValidation)
		})
	}

	if f.ledger.Calls(ledger.OpLock) != 0 {
		t.Errorf("expected no ledger calls for invalid input, got %d", f.ledger.Calls(ledger.OpLock))
	}
}

func TestCompletion_RefundsExcessEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)

	a := f.submit(t, task.ID, "worker-a")
	b := f.submit(t, task.ID, "worker-b")

	if got := f.reload(t, task.ID).Status; got != constants.TaskInProgress {
		t.Fatalf("expected status %s after first submission, got %s", constants.TaskInProgress, got)
	}

	if _, err := f.review.Approve(ctx, a.ID, requester); err != nil {
		t.Fatalf("approve a: %v", err)
	}
	res, err := f.review.Approve(ctx, b.ID, requester)
	if err != nil {
		t.Fatalf("approve b: %v", err)
	}

	if res.Task.Status != constants.TaskCompleted {
		t.Errorf("expected status %s, got %s", constants.TaskCompleted, res.Task.Status)
	}

	got := f.reload(t, task.ID)
	assertDec(t, "released", got.ReleasedAmount, "20")
	assertDec(t, "refunded", got.RefundedAmount, "2")
	assertDec(t, "unallocated", got.Unallocated(), "0")
	if !got.Settled() {
		t.Error("expected task to be settled")
	}

	assertDec(t, "worker-a balance", f.ledger.Balance("worker-a"), "10")
	assertDec(t, "worker-b balance", f.ledger.Balance("worker-b"), "10")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "980")
}

func TestCancel_RefundsUnallocatedAfterApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "5", 3, nil)
	assertDec(t, "escrow", task.EscrowAmount, "16.5")

	sub := f.submit(t, task.ID, "worker-a")
	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}

	cancelled, err := f.lifecycle.Cancel(ctx, task.ID, requester)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != constants.TaskCancelled {
		t.Errorf("expected status %s, got %s", constants.TaskCancelled, cancelled.Status)
	}

	got := f.reload(t, task.ID)
	assertDec(t, "refunded", got.RefundedAmount, "11.5")
	assertDec(t, "worker balance", f.ledger.Balance("worker-a"), "5")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "995")
}

func TestCancel_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "1", 1, nil)
	_, err := f.lifecycle.Cancel(ctx, task.ID, "wallet-stranger")
	assertErr(t, err, apperrors.ErrUnauthorized)

	if _, err := f.lifecycle.Pause(ctx, task.ID, adminUser); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = f.lifecycle.Cancel(ctx, task.ID, requester)
	assertErr(t, err, apperrors.ErrNotCancellable)

	done := f.createTask(t, "1", 1, nil)
	sub := f.submit(t, done.ID, "worker-a")
	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = f.lifecycle.Cancel(ctx, done.ID, requester)
	assertErr(t, err, apperrors.ErrNotCancellable)

	_, err = f.lifecycle.Cancel(ctx, "missing", requester)
	assertErr(t, err, apperrors.ErrTaskNotFound)
}

func TestCancel_FailedRefundIsRetriedBySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)

	f.ledger.FailNext(ledger.OpRefund, ledger.ErrUnavailable)
	_, err := f.lifecycle.Cancel(ctx, task.ID, requester)
	assertErr(t, err, apperrors.ErrLedgerUnavailable)

	got := f.reload(t, task.ID)
	if got.Status != constants.TaskCancelled || got.Settled() {
		t.Fatalf("expected cancelled and unsettled task, got %s settled=%v", got.Status, got.Settled())
	}

	if _, err := f.lifecycle.SweepExpiredTasks(ctx, f.clock.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got = f.reload(t, task.ID)
	if !got.Settled() {
		t.Error("expected task to be settled after sweep")
	}
	assertDec(t, "refunded", got.RefundedAmount, "22")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "1000")
}

func TestReject_OverLimitAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "4", 3, nil)

	sub := f.submit(t, task.ID, "worker-a")
	res, err := f.review.Reject(ctx, sub.ID, requester)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}

	if res.Submission.Status != constants.SubmissionApproved {
		t.Errorf("expected status %s, got %s", constants.SubmissionApproved, res.Submission.Status)
	}
	if res.Submission.Outcome != constants.OutcomeAutoApprovedOverLimit {
		t.Errorf("expected outcome %s, got %s", constants.OutcomeAutoApprovedOverLimit, res.Submission.Outcome)
	}
	if res.Task.WorkersCompleted != 1 || res.Task.WorkersRejected != 0 {
		t.Errorf("expected 1 completed and 0 rejected, got %d and %d", res.Task.WorkersCompleted, res.Task.WorkersRejected)
	}
	assertDec(t, "worker balance", f.ledger.Balance("worker-a"), "4")

	// the converted decision replays as a rejection
	again, err := f.review.Reject(ctx, sub.ID, requester)
	if err != nil {
		t.Fatalf("replayed reject: %v", err)
	}
	if !again.Replayed {
		t.Error("expected replay")
	}
}

func TestReject_WithinLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "1", 5, intPtr(50))

	approved := f.submit(t, task.ID, "worker-a")
	if _, err := f.review.Approve(ctx, approved.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// 1 rejected of 2 decided is exactly 50%
	first := f.submit(t, task.ID, "worker-b")
	res, err := f.review.Reject(ctx, first.ID, requester)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Submission.Status != constants.SubmissionRejected {
		t.Fatalf("expected status %s, got %s", constants.SubmissionRejected, res.Submission.Status)
	}
	assertDec(t, "rejected worker balance", f.ledger.Balance("worker-b"), "0")

	// 2 of 3 would exceed it
	second := f.submit(t, task.ID, "worker-c")
	res, err = f.review.Reject(ctx, second.ID, requester)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Submission.Outcome != constants.OutcomeAutoApprovedOverLimit {
		t.Errorf("expected outcome %s, got %s", constants.OutcomeAutoApprovedOverLimit, res.Submission.Outcome)
	}

	got := f.reload(t, task.ID)
	if got.WorkersCompleted != 2 || got.WorkersRejected != 1 {
		t.Errorf("expected 2 completed and 1 rejected, got %d and %d", got.WorkersCompleted, got.WorkersRejected)
	}
}

func TestOverRejectionLimit(t *testing.T) {
	cases := []struct {
		completed, rejected, limit int
		want                       bool
	}{
		{0, 0, 30, true},
		{0, 0, 100, false},
		{0, 0, 0, true},
		{7, 2, 30, false},
		{7, 3, 30, true},
		{1, 0, 50, false},
		{1, 1, 50, true},
	}

	for _, c := range cases {
		if got := OverRejectionLimit(c.completed, c.rejected, c.limit); got != c.want {
			t.Errorf("OverRejectionLimit(%d, %d, %d) = %v, want %v", c.completed, c.rejected, c.limit, got, c.want)
		}
	}
}

func TestDecisions_ReplayAndConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "2", 3, intPtr(100))

	approved := f.submit(t, task.ID, "worker-a")
	if _, err := f.review.Approve(ctx, approved.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := f.review.Approve(ctx, approved.ID, requester)
	if err != nil {
		t.Fatalf("replayed approve: %v", err)
	}
	if !res.Replayed {
		t.Error("expected replay")
	}
	if calls := f.ledger.Calls(ledger.OpRelease); calls != 1 {
		t.Errorf("expected 1 release, got %d", calls)
	}
	_, err = f.review.Reject(ctx, approved.ID, requester)
	assertErr(t, err, apperrors.ErrConflictingDecision)

	rejected := f.submit(t, task.ID, "worker-b")
	if _, err := f.review.Reject(ctx, rejected.ID, requester); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err = f.review.Approve(ctx, rejected.ID, requester)
	assertErr(t, err, apperrors.ErrConflictingDecision)

	got, err := f.review.GetSubmission(ctx, rejected.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if got.Status != constants.SubmissionRejected {
		t.Errorf("expected terminal submission to stay %s, got %s", constants.SubmissionRejected, got.Status)
	}
}

func TestDecisions_ReviewerMustBeRequesterOrAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "2", 2, nil)
	sub := f.submit(t, task.ID, "worker-a")

	_, err := f.review.Approve(ctx, sub.ID, "worker-b")
	assertErr(t, err, apperrors.ErrUnauthorized)

	if _, err := f.review.Approve(ctx, sub.ID, adminUser); err != nil {
		t.Fatalf("admin approve: %v", err)
	}
}

func TestApprove_PayoutFailureLeavesSubmissionPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "3", 2, nil)
	sub := f.submit(t, task.ID, "worker-a")

	f.ledger.FailNext(ledger.OpRelease, ledger.ErrUnavailable)
	_, err := f.review.Approve(ctx, sub.ID, requester)
	assertErr(t, err, apperrors.ErrPayoutFailed)

	pending, _ := f.review.GetSubmission(ctx, sub.ID)
	if pending.Status != constants.SubmissionPending {
		t.Fatalf("expected status %s, got %s", constants.SubmissionPending, pending.Status)
	}
	if got := f.reload(t, task.ID); got.WorkersCompleted != 0 {
		t.Fatalf("expected no completed workers, got %d", got.WorkersCompleted)
	}

	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	assertDec(t, "worker balance", f.ledger.Balance("worker-a"), "3")
}

func TestSubmit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "1", 2, nil)

	f.submit(t, task.ID, "worker-a")
	_, err := f.review.Submit(ctx, task.ID, "worker-a", model.TextPayload("again"))
	assertErr(t, err, apperrors.ErrDuplicateSubmission)

	_, err = f.review.Submit(ctx, task.ID, requester, model.TextPayload("mine"))
	assertErr(t, err, apperrors.ErrUnauthorized)

	_, err = f.review.Submit(ctx, task.ID, "worker-b", model.URLPayload("https://example.com"))
	assertErr(t, err, apperrors.ErrValidation)

	if _, err := f.lifecycle.Pause(ctx, task.ID, adminUser); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = f.review.Submit(ctx, task.ID, "worker-b", model.TextPayload("paused"))
	assertErr(t, err, apperrors.ErrTaskNotAcceptingSubmissions)

	late := f.createTask(t, "1", 2, nil)
	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.review.Submit(ctx, late.ID, "worker-b", model.TextPayload("late"))
	assertErr(t, err, apperrors.ErrTaskNotAcceptingSubmissions)
}

func TestApprove_CapacityReachedWhilePaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "1", 1, nil)

	a := f.submit(t, task.ID, "worker-a")
	b := f.submit(t, task.ID, "worker-b")

	if _, err := f.lifecycle.Pause(ctx, task.ID, adminUser); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.review.Approve(ctx, a.ID, requester); err != nil {
		t.Fatalf("approve while paused: %v", err)
	}
	_, err := f.review.Approve(ctx, b.ID, requester)
	assertErr(t, err, apperrors.ErrCapacityReached)

	resumed, err := f.lifecycle.Resume(ctx, task.ID, adminUser)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != constants.TaskCompleted {
		t.Errorf("expected status %s, got %s", constants.TaskCompleted, resumed.Status)
	}
	if !f.reload(t, task.ID).Settled() {
		t.Error("expected completed task to be settled")
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "1", 2, nil)

	_, err := f.lifecycle.Pause(ctx, task.ID, requester)
	assertErr(t, err, apperrors.ErrUnauthorized)

	_, err = f.lifecycle.Resume(ctx, task.ID, adminUser)
	assertErr(t, err, apperrors.ErrInvalidTransition)

	paused, err := f.lifecycle.Pause(ctx, task.ID, adminUser)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != constants.TaskPaused || paused.PausedFrom != constants.TaskOpen {
		t.Fatalf("expected paused from open, got %s from %s", paused.Status, paused.PausedFrom)
	}

	_, err = f.lifecycle.Pause(ctx, task.ID, adminUser)
	assertErr(t, err, apperrors.ErrInvalidTransition)

	resumed, err := f.lifecycle.Resume(ctx, task.ID, adminUser)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != constants.TaskOpen {
		t.Errorf("expected status %s, got %s", constants.TaskOpen, resumed.Status)
	}

	activity, err := f.store.Admins.ListActivity(ctx, task.ID)
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if len(activity) != 2 {
		t.Errorf("expected 2 admin activity entries, got %d", len(activity))
	}
}

func TestDelete_CancelsRefundsAndHides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)

	err := f.lifecycle.Delete(ctx, task.ID, requester, "spam")
	assertErr(t, err, apperrors.ErrUnauthorized)

	if err := f.lifecycle.Delete(ctx, task.ID, adminUser, "spam"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err = f.lifecycle.GetTask(ctx, task.ID)
	assertErr(t, err, apperrors.ErrTaskNotFound)

	got := f.reload(t, task.ID)
	if got.Status != constants.TaskCancelled || !got.Settled() {
		t.Errorf("expected cancelled and settled, got %s settled=%v", got.Status, got.Settled())
	}
	assertDec(t, "requester balance", f.ledger.Balance(requester), "1000")
}

func TestExpire_RefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "5", 2, nil)

	sub := f.submit(t, task.ID, "worker-a")
	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	now := f.clock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.lifecycle.ExpireIfPastDeadline(ctx, task, now); err != nil {
				t.Errorf("expire: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := f.ledger.Calls(ledger.OpRefund); calls != 1 {
		t.Errorf("expected exactly 1 refund, got %d", calls)
	}

	got := f.reload(t, task.ID)
	if got.Status != constants.TaskExpired {
		t.Errorf("expected status %s, got %s", constants.TaskExpired, got.Status)
	}
	assertDec(t, "refunded", got.RefundedAmount, "6")

	// cancel after expiry makes no ledger call
	_, err := f.lifecycle.Cancel(ctx, task.ID, requester)
	assertErr(t, err, apperrors.ErrNotCancellable)
	if calls := f.ledger.Calls(ledger.OpRefund); calls != 1 {
		t.Errorf("expected no further refunds, got %d", calls)
	}
}

func TestSweepExpiredTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTask(t, "1", 1, nil)
	f.createTask(t, "1", 1, nil)

	n, err := f.lifecycle.SweepExpiredTasks(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to expire, got %d, %v", n, err)
	}

	n, err = f.lifecycle.SweepExpiredTasks(ctx, f.clock.Now().Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired tasks, got %d", n)
	}
	assertDec(t, "requester balance", f.ledger.Balance(requester), "1000")
}

func TestSweepStaleSubmissions_ApprovesAfterTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "2", 2, nil)
	sub := f.submit(t, task.ID, "worker-a")

	n, err := f.review.SweepStaleSubmissions(ctx, f.clock.Now().Add(71*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("expected nothing approved before the timeout, got %d, %v", n, err)
	}

	n, err = f.review.SweepStaleSubmissions(ctx, f.clock.Now().Add(73*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 approval, got %d", n)
	}

	got, _ := f.review.GetSubmission(ctx, sub.ID)
	if got.Outcome != constants.OutcomeAutoApprovedByTimeout {
		t.Errorf("expected outcome %s, got %s", constants.OutcomeAutoApprovedByTimeout, got.Outcome)
	}
	if got.ReviewedBy != SystemReviewer {
		t.Errorf("expected reviewer %s, got %s", SystemReviewer, got.ReviewedBy)
	}
	assertDec(t, "worker balance", f.ledger.Balance("worker-a"), "2")
}

func TestConcurrentReject_OneWinsOtherReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "1", 3, intPtr(100))
	sub := f.submit(t, task.ID, "worker-a")

	const n = 8
	results := make(chan *Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.review.Reject(ctx, sub.ID, requester)
			if err != nil {
				t.Errorf("reject: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		if !res.Replayed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("expected exactly 1 decision, got %d", fresh)
	}
	if got := f.reload(t, task.ID); got.WorkersRejected != 1 {
		t.Errorf("expected 1 rejected worker, got %d", got.WorkersRejected)
	}
}

func TestConcurrentApprovals_NeverExceedCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "3", 3, nil)

	var subs []*model.Submission
	for i := 0; i < 6; i++ {
		subs = append(subs, f.submit(t, task.ID, fmt.Sprintf("worker-%d", i)))
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.review.Approve(ctx, id, requester)
			if err != nil &&
				!errors.Is(err, apperrors.ErrCapacityReached) &&
				!errors.Is(err, apperrors.ErrTaskNotAcceptingSubmissions) {
				t.Errorf("unexpected error: %v", err)
			}
		}(sub.ID)
	}
	wg.Wait()

	got := f.reload(t, task.ID)
	if got.WorkersCompleted != got.WorkersNeeded {
		t.Errorf("expected %d completed, got %d", got.WorkersNeeded, got.WorkersCompleted)
	}
	if got.Status != constants.TaskCompleted {
		t.Errorf("expected status %s, got %s", constants.TaskCompleted, got.Status)
	}
	if calls := f.ledger.Calls(ledger.OpRelease); calls != 3 {
		t.Errorf("expected 3 releases, got %d", calls)
	}
	if got.ReleasedAmount.Add(got.RefundedAmount).GreaterThan(got.EscrowAmount) {
		t.Errorf("released %s + refunded %s exceeds escrow %s", got.ReleasedAmount, got.RefundedAmount, got.EscrowAmount)
	}

	approved, _ := f.review.ListSubmissions(ctx, task.ID, constants.SubmissionApproved)
	if len(approved) != 3 {
		t.Errorf("expected 3 approved submissions, got %d", len(approved))
	}
}

func TestFeeCollectedOnApproval(t *testing.T) {
	f := newFixture(t, func(p *Policy) {
		p.CollectFeeOnApproval = true
		p.PlatformWallet = "wallet-platform"
	})
	ctx := context.Background()
	task := f.createTask(t, "10", 1, nil)
	sub := f.submit(t, task.ID, "worker-a")

	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got := f.reload(t, task.ID)
	assertDec(t, "fee collected", got.FeeCollected, "1")
	assertDec(t, "refunded", got.RefundedAmount, "0")
	assertDec(t, "platform balance", f.ledger.Balance("wallet-platform"), "1")

	txs, _ := f.lifecycle.ListTransactions(ctx, task.ID)
	kinds := map[constants.TransactionKind]int{}
	for _, tx := range txs {
		kinds[tx.Kind]++
	}
	if kinds[constants.TransactionLock] != 1 || kinds[constants.TransactionRelease] != 1 || kinds[constants.TransactionFee] != 1 {
		t.Errorf("unexpected journal %v", kinds)
	}
}

func TestRejectionBudget(t *testing.T) {
	cases := []struct {
		completed, rejected, limit int
		remaining                  int
		rate                       string
	}{
		{0, 0, 30, 0, "0"},
		{7, 0, 30, 3, "0"},
		{7, 3, 30, 0, "30"},
		{1, 1, 50, 0, "50"},
		{4, 0, 50, 4, "0"},
	}

	for _, c := range cases {
		b := budgetFor(&model.Task{WorkersCompleted: c.completed, WorkersRejected: c.rejected, RejectionLimitPercentage: c.limit})
		if b.RemainingRejections != c.remaining {
			t.Errorf("%+v: expected %d remaining, got %d", c, c.remaining, b.RemainingRejections)
		}
		if !b.RejectionRate.Equal(dec(c.rate)) {
			t.Errorf("%+v: expected rate %s, got %s", c, c.rate, b.RejectionRate)
		}
		// the budget must agree with the enforcement rule
		if c.remaining > 0 && OverRejectionLimit(c.completed, c.rejected, c.limit) {
			t.Errorf("%+v: budget left but next rejection is over the limit", c)
		}
	}

	if !budgetFor(&model.Task{RejectionLimitPercentage: 100}).Unlimited {
		t.Error("expected a 100% limit to be unlimited")
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "2", 2, nil)
	a := f.submit(t, task.ID, "worker-a")
	f.submit(t, task.ID, "worker-b")
	f.clock.Advance(73 * time.Hour)

	tokens := newMockTokenManager(1)
	sweeper := NewSweeper(f.lifecycle, f.review, tokens, SweeperConfig{Workers: 2, QueueSize: 10})
	defer sweeper.Shutdown(context.Background())

	report, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.Enqueued != 2 {
		t.Errorf("expected 2 enqueued, got %d", report.Enqueued)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sweeper.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if sweeper.Approved() != 2 {
		t.Errorf("expected 2 auto-approved, got %d", sweeper.Approved())
	}
	got := f.reload(t, task.ID)
	if got.Status != constants.TaskCompleted {
		t.Errorf("expected status %s, got %s", constants.TaskCompleted, got.Status)
	}
	sub, _ := f.review.GetSubmission(ctx, a.ID)
	if sub.Outcome != constants.OutcomeAutoApprovedByTimeout {
		t.Errorf("expected outcome %s, got %s", constants.OutcomeAutoApprovedByTimeout, sub.Outcome)
	}
}

func TestSweeper_SkipsWithoutToken(t *testing.T) {
	f := newFixture(t)

	sweeper := NewSweeper(f.lifecycle, f.review, newMockTokenManager(0), SweeperConfig{Workers: 1})
	defer sweeper.Shutdown(context.Background())

	_, err := sweeper.RunOnce(context.Background())
	assertErr(t, err, lock.ErrNoTokenAvailable)
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.createTask(t, "7.25", 1, nil)
	sub := f.submit(t, task.ID, "worker-a")

	res, err := f.review.Approve(ctx, sub.ID, requester)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Task.Status != constants.TaskCompleted || res.Submission.Outcome != constants.OutcomeApproved {
		t.Fatalf("expected completed task and approved submission, got %s and %s", res.Task.Status, res.Submission.Outcome)
	}

	got := f.reload(t, task.ID)
	assertDec(t, "escrow", got.EscrowAmount, "7.975")
	assertDec(t, "refunded", got.RefundedAmount, "0.725")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "992.75")
}

// failUpdatesOnce makes the next UPDATE against table fail.
func failUpdatesOnce(t *testing.T, db *gorm.DB, table string) {
	t.Helper()
	var armed atomic.Bool
	armed.Store(true)
	err := db.Callback().Update().Before("gorm:update").Register("fail_once_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table && armed.CompareAndSwap(true, false) {
			_ = tx.AddError(errors.New("connection reset"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
}

func TestApprove_RetryAfterFailedCommitPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)
	first := f.submit(t, task.ID, "worker-a")
	second := f.submit(t, task.ID, "worker-b")

	failUpdatesOnce(t, f.db, "transactions")
	if _, err := f.review.Approve(ctx, first.ID, requester); err == nil {
		t.Fatal("expected the approval commit to fail")
	}
	pending, _ := f.review.GetSubmission(ctx, first.ID)
	if pending.Status != constants.SubmissionPending {
		t.Fatalf("expected status %s after failed commit, got %s", constants.SubmissionPending, pending.Status)
	}
	assertDec(t, "worker-a balance after release", f.ledger.Balance("worker-a"), "10")

	res, err := f.review.Approve(ctx, first.ID, requester)
	if err != nil {
		t.Fatalf("retry approve: %v", err)
	}
	if res.Submission.Status != constants.SubmissionApproved {
		t.Errorf("expected status %s, got %s", constants.SubmissionApproved, res.Submission.Status)
	}
	assertDec(t, "worker-a balance after retry", f.ledger.Balance("worker-a"), "10")
	assertDec(t, "released", f.reload(t, task.ID).ReleasedAmount, "10")

	if _, err := f.review.Approve(ctx, second.ID, requester); err != nil {
		t.Fatalf("approve second worker: %v", err)
	}
	final := f.reload(t, task.ID)
	if final.Status != constants.TaskCompleted {
		t.Errorf("expected status %s, got %s", constants.TaskCompleted, final.Status)
	}
	assertDec(t, "worker-b balance", f.ledger.Balance("worker-b"), "10")
	assertDec(t, "refunded", final.RefundedAmount, "2")
	assertDec(t, "requester balance", f.ledger.Balance(requester), "980")

	txs, err := f.lifecycle.ListTransactions(ctx, task.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	releases := 0
	for _, tx := range txs {
		if tx.Status != constants.TransactionConfirmed {
			t.Errorf("expected every journal row confirmed, %s row is %s", tx.Kind, tx.Status)
		}
		if tx.Kind == constants.TransactionRelease {
			releases++
		}
	}
	if releases != 2 {
		t.Errorf("expected 2 release entries, got %d", releases)
	}
}

func TestApprove_StaleCopyDoesNotPayTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)
	sub := f.submit(t, task.ID, "worker-a")

	// two holders acting on the same rows, as when a lock lease lapses
	staleSub, _ := f.review.GetSubmission(ctx, sub.ID)
	staleTask := f.reload(t, task.ID)

	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := f.review.approveLocked(ctx, staleSub, staleTask, constants.OutcomeApproved, requester)
	if err != nil {
		t.Fatalf("stale approve: %v", err)
	}
	if !res.Replayed {
		t.Error("expected the stale approval to replay")
	}
	assertDec(t, "worker-a balance", f.ledger.Balance("worker-a"), "10")
	if got := f.reload(t, task.ID); got.WorkersCompleted != 1 {
		t.Errorf("expected 1 completed worker, got %d", got.WorkersCompleted)
	}
}

func TestReject_RefusedWhilePayoutInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "5", 3, intPtr(100))
	sub := f.submit(t, task.ID, "worker-a")

	f.ledger.FailNext(ledger.OpRelease, ledger.ErrUnavailable)
	_, err := f.review.Approve(ctx, sub.ID, requester)
	assertErr(t, err, apperrors.ErrPayoutFailed)

	_, err = f.review.Reject(ctx, sub.ID, requester)
	assertErr(t, err, apperrors.ErrConflictingDecision)

	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("finish approval: %v", err)
	}
	assertDec(t, "worker-a balance", f.ledger.Balance("worker-a"), "5")

	// a release the rail refused outright leaves nothing in flight
	other := f.submit(t, task.ID, "worker-b")
	f.ledger.FailNext(ledger.OpRelease, ledger.ErrOverRelease)
	_, err = f.review.Approve(ctx, other.ID, requester)
	assertErr(t, err, apperrors.ErrPayoutFailed)

	res, err := f.review.Reject(ctx, other.ID, requester)
	if err != nil {
		t.Fatalf("reject after refused payout: %v", err)
	}
	if res.Submission.Outcome != constants.OutcomeRejected {
		t.Errorf("expected outcome %s, got %s", constants.OutcomeRejected, res.Submission.Outcome)
	}
}

// lossyLocker grants every lock and reports it lost after a delay.
type lossyLocker struct {
	after time.Duration
}

func (l lossyLocker) Lock(ctx context.Context, taskID string) (<-chan struct{}, func(), error) {
	lost := make(chan struct{})
	timer := time.AfterFunc(l.after, func() { close(lost) })
	return lost, func() { timer.Stop() }, nil
}

func TestApprove_StopsWhenLockIsLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, "10", 2, nil)
	sub := f.submit(t, task.ID, "worker-a")

	deps := Deps{
		Store:  f.store,
		Ledger: f.ledger,
		Locker: lossyLocker{after: 20 * time.Millisecond},
		Policy: DefaultPolicy(),
		Clock:  f.clock.Now,
	}
	lifecycle := NewLifecycleService(deps)
	review := NewReviewService(deps, lifecycle)

	f.ledger.SetDelay(500 * time.Millisecond)
	if _, err := review.Approve(ctx, sub.ID, requester); err == nil {
		t.Fatal("expected approval to stop once the lock was lost")
	}
	f.ledger.SetDelay(0)

	assertDec(t, "worker-a balance", f.ledger.Balance("worker-a"), "0")
	pending, _ := f.review.GetSubmission(ctx, sub.ID)
	if pending.Status != constants.SubmissionPending {
		t.Errorf("expected status %s, got %s", constants.SubmissionPending, pending.Status)
	}

	if _, err := f.review.Approve(ctx, sub.ID, requester); err != nil {
		t.Fatalf("approve under a held lock: %v", err)
	}
	assertDec(t, "worker-a balance", f.ledger.Balance("worker-a"), "10")
}
