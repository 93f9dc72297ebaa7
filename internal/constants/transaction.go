package constants

type TransactionKind string

const (
	TransactionLock    TransactionKind = "lock"
	TransactionRelease TransactionKind = "release"
	TransactionRefund  TransactionKind = "refund"
	TransactionFee     TransactionKind = "fee"
)

// TransactionStatus marks release intents written before the ledger call;
// every other journal row is confirmed when written.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionConfirmed TransactionStatus = "confirmed"
)

type SubmissionKind string

const (
	SubmissionText SubmissionKind = "text"
	SubmissionURL  SubmissionKind = "url"
	SubmissionFile SubmissionKind = "file"
)

func (k SubmissionKind) Valid() bool {
	return k == SubmissionText || k == SubmissionURL || k == SubmissionFile
}
