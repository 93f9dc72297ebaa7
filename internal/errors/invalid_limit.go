package errors

import "net/http"

var ErrInvalidLimit = &Exception{
	Code:       "invalid_limit",
	Message:    "limit must be positive",
	StatusCode: http.StatusBadRequest,
}
