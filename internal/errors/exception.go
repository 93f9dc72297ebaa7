package errors

import (
	"errors"
	"net/http"
)

type Exception struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *Exception) Error() string {
	return e.Message
}

// Is matches on Code so an Exception built with a custom message still
// matches its sentinel.
func (e *Exception) Is(target error) bool {
	t, ok := target.(*Exception)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the exception carrying a more specific message.
func (e *Exception) WithMessage(msg string) *Exception {
	return &Exception{Code: e.Code, Message: msg, StatusCode: e.StatusCode}
}

func StatusCode(err error) int {
	var appErr *Exception
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func Code(err error) string {
	var appErr *Exception
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}
