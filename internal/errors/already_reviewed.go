package errors

import "net/http"

var ErrAlreadyReviewed = &Exception{
	Code:       "already_reviewed",
	Message:    "submission already reviewed",
	StatusCode: http.StatusConflict,
}
