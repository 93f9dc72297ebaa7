package errors

import "net/http"

var ErrPayoutFailed = &Exception{
	Code:       "payout_failed",
	Message:    "payout failed, retry the decision",
	StatusCode: http.StatusBadGateway,
}
