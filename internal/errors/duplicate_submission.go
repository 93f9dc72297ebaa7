package errors

import "net/http"

var ErrDuplicateSubmission = &Exception{
	Code:       "duplicate_submission",
	Message:    "worker already submitted work for this task",
	StatusCode: http.StatusConflict,
}
