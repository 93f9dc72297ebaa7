package constants

// Outcome records why a submission left pending. A reviewer asking to
// reject may still end up with an approval when the rejection cap is hit.
type Outcome string

const (
	OutcomeNone                  Outcome = ""
	OutcomeApproved              Outcome = "approved"
	OutcomeRejected              Outcome = "rejected"
	OutcomeAutoApprovedOverLimit Outcome = "auto_approved_over_limit"
	OutcomeAutoApprovedByTimeout Outcome = "auto_approved_by_timeout"
)

// Status maps the outcome to the submission status it produces.
func (o Outcome) Status() SubmissionStatus {
	switch o {
	case OutcomeApproved, OutcomeAutoApprovedOverLimit, OutcomeAutoApprovedByTimeout:
		return SubmissionApproved
	case OutcomeRejected:
		return SubmissionRejected
	default:
		return SubmissionPending
	}
}

// Decision is what a reviewer asked for.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Satisfies reports whether an already recorded outcome is what a repeat of
// the decision would have produced, so the repeat can be treated as a replay.
func (d Decision) Satisfies(o Outcome) bool {
	switch d {
	case DecisionApprove:
		return o.Status() == SubmissionApproved
	case DecisionReject:
		return o == OutcomeRejected || o == OutcomeAutoApprovedOverLimit
	}
	return false
}
