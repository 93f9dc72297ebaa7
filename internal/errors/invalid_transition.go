package errors

import "net/http"

var ErrInvalidTransition = &Exception{
	Code:       "invalid_transition",
	Message:    "task status does not allow this transition",
	StatusCode: http.StatusConflict,
}
