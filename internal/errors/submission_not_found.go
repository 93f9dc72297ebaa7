package errors

import "net/http"

var ErrSubmissionNotFound = &Exception{
	Code:       "submission_not_found",
	Message:    "submission not found",
	StatusCode: http.StatusNotFound,
}
