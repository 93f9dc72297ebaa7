package errors

import "net/http"

var ErrCapacityReached = &Exception{
	Code:       "capacity_reached",
	Message:    "task has no remaining worker slots",
	StatusCode: http.StatusConflict,
}
