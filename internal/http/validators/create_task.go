package validators

import (
	"net/http"

	"github.com/labstack/echo/v4"

	dto "taskblitz.com/taskblitz/internal/data_models"
)

// ValidateCreateTaskRequest covers what struct tags cannot express.
func ValidateCreateTaskRequest(r *dto.CreateTaskRequest) error {
	if !r.PaymentPerTask.IsPositive() {
		return echo.NewHTTPError(http.StatusBadRequest, "payment_per_task must be greater than 0")
	}
	if r.Deadline.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "deadline is required")
	}
	return nil
}
