package errors

import "net/http"

var ErrUnauthorized = &Exception{
	Code:       "unauthorized",
	Message:    "actor is not allowed to perform this action",
	StatusCode: http.StatusForbidden,
}
