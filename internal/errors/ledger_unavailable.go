package errors

import "net/http"

var ErrLedgerUnavailable = &Exception{
	Code:       "ledger_unavailable",
	Message:    "ledger unavailable",
	StatusCode: http.StatusServiceUnavailable,
}
