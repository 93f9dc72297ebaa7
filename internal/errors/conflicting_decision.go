package errors

import "net/http"

var ErrConflictingDecision = &Exception{
	Code:       "conflicting_decision",
	Message:    "submission was already decided the other way",
	StatusCode: http.StatusConflict,
}
