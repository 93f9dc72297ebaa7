package errors

import "net/http"

var ErrInsufficientFunds = &Exception{
	Code:       "insufficient_funds",
	Message:    "insufficient funds to lock escrow",
	StatusCode: http.StatusPaymentRequired,
}
