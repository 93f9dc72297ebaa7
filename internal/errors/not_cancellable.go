package errors

import "net/http"

var ErrNotCancellable = &Exception{
	Code:       "not_cancellable",
	Message:    "task cannot be cancelled in its current status",
	StatusCode: http.StatusConflict,
}
