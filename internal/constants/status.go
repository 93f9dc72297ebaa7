package constants

type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskPaused     TaskStatus = "paused"
	TaskCancelled  TaskStatus = "cancelled"
	TaskExpired    TaskStatus = "expired"
)

// Terminal reports whether no further transition may leave the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskExpired
}

// Active reports whether the task still runs: its escrow is live and
// pending submissions may be reviewed.
func (s TaskStatus) Active() bool {
	return s == TaskOpen || s == TaskInProgress || s == TaskPaused
}

func (s TaskStatus) AcceptsSubmissions() bool {
	return s == TaskOpen || s == TaskInProgress
}

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionApproved || s == SubmissionRejected
}
