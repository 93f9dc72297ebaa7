package errors

import "net/http"

var ErrLockTimeout = &Exception{
	Code:       "lock_timeout",
	Message:    "timed out waiting for task lock",
	StatusCode: http.StatusServiceUnavailable,
}
