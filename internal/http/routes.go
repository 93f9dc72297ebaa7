package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	middleware "taskblitz.com/taskblitz/internal/http/middlewares"
	"taskblitz.com/taskblitz/internal/http/validators"
)

func Register(e *echo.Echo, h *Handler, rateLimitPerMinute int, gatherer prometheus.Gatherer) {
	e.Validator = validators.New()
	if e.IPExtractor == nil {
		// forwarded headers are client-controlled unless a proxy is configured
		e.IPExtractor = echo.ExtractIPDirect()
	}
	e.Use(middleware.RequestLogger(h.logger))
	e.Use(middleware.RateLimiter(rateLimitPerMinute, time.Minute))

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/tasks", h.ListTasks)
	e.GET("/tasks/:id", h.GetTask)
	e.GET("/tasks/:id/submissions", h.ListSubmissions)
	e.GET("/tasks/:id/transactions", h.ListTransactions)
	e.GET("/tasks/:id/rejection-budget", h.RejectionBudget)
	e.GET("/submissions/:id", h.GetSubmission)

	wallet := middleware.RequireWallet
	e.POST("/tasks", h.CreateTask, wallet)
	e.POST("/tasks/:id/cancel", h.CancelTask, wallet)
	e.POST("/tasks/:id/pause", h.PauseTask, wallet)
	e.POST("/tasks/:id/resume", h.ResumeTask, wallet)
	e.DELETE("/tasks/:id", h.DeleteTask, wallet)
	e.POST("/tasks/:id/submissions", h.SubmitWork, wallet)
	e.POST("/submissions/:id/approve", h.ApproveSubmission, wallet)
	e.POST("/submissions/:id/reject", h.RejectSubmission, wallet)
}
