package errors

import "net/http"

var ErrValidation = &Exception{
	Code:       "validation_error",
	Message:    "invalid request",
	StatusCode: http.StatusBadRequest,
}
