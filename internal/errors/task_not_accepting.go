package errors

import "net/http"

var ErrTaskNotAcceptingSubmissions = &Exception{
	Code:       "task_not_accepting_submissions",
	Message:    "task is not accepting submissions",
	StatusCode: http.StatusConflict,
}
