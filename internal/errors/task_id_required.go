package errors

import "net/http"

var ErrTaskIDRequired = &Exception{
	Code:       "task_id_required",
	Message:    "task id is required",
	StatusCode: http.StatusBadRequest,
}
