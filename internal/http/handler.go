package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"taskblitz.com/taskblitz/internal/constants"
	dto "taskblitz.com/taskblitz/internal/data_models"
	apperrors "taskblitz.com/taskblitz/internal/errors"
	middleware "taskblitz.com/taskblitz/internal/http/middlewares"
	"taskblitz.com/taskblitz/internal/http/validators"
	model "taskblitz.com/taskblitz/internal/models"
	repository "taskblitz.com/taskblitz/internal/repositories"
	"taskblitz.com/taskblitz/internal/services"
)

const defaultPageSize = 20

type Handler struct {
	lifecycle *services.LifecycleService
	review    *services.ReviewService
	logger    *zap.Logger
}

func NewHandler(lifecycle *services.LifecycleService, review *services.ReviewService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		lifecycle: lifecycle,
		review:    review,
		logger:    logger,
	}
}

// fail turns a service error into an HTTP error carrying its stable code.
func (h *Handler) fail(err error) error {
	var appErr *apperrors.Exception
	if errors.As(err, &appErr) {
		return echo.NewHTTPError(appErr.StatusCode, dto.ErrorResponse{
			Code:    appErr.Code,
			Message: appErr.Message,
		}).SetInternal(err)
	}

	h.logger.Error("unhandled error", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, dto.ErrorResponse{
		Code:    apperrors.Code(err),
		Message: "internal error",
	}).SetInternal(err)
}

func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request payload")
	}
	return c.Validate(req)
}

func (h *Handler) CreateTask(c echo.Context) error {
	var req dto.CreateTaskRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := validators.ValidateCreateTaskRequest(&req); err != nil {
		return err
	}

	task, err := h.lifecycle.CreateTask(c.Request().Context(), services.CreateTaskInput{
		Requester:                middleware.Wallet(c),
		Title:                    req.Title,
		Description:              req.Description,
		Category:                 req.Category,
		SubmissionType:           constants.SubmissionKind(req.SubmissionType),
		PaymentPerTask:           req.PaymentPerTask,
		WorkersNeeded:            req.WorkersNeeded,
		Deadline:                 req.Deadline,
		RejectionLimitPercentage: req.RejectionLimitPercentage,
	})
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusCreated, task)
}

func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.lifecycle.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, task)
}

func (h *Handler) ListTasks(c echo.Context) error {
	var q dto.ListTasksQuery
	if err := bind(c, &q); err != nil {
		return err
	}

	filter := repository.TaskFilter{
		Status:    constants.TaskStatus(q.Status),
		Category:  q.Category,
		Requester: q.Requester,
		Search:    q.Search,
		SortBy:    q.SortBy,
		Desc:      strings.EqualFold(q.Order, "desc"),
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}
	var err error
	if filter.MinPayment, err = parseAmount("min_payment", q.MinPayment); err != nil {
		return h.fail(err)
	}
	if filter.MaxPayment, err = parseAmount("max_payment", q.MaxPayment); err != nil {
		return h.fail(err)
	}

	tasks, err := h.lifecycle.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"count": len(tasks),
		"tasks": tasks,
	})
}

func (h *Handler) CancelTask(c echo.Context) error {
	task, err := h.lifecycle.Cancel(c.Request().Context(), c.Param("id"), middleware.Wallet(c))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, task)
}

func (h *Handler) PauseTask(c echo.Context) error {
	task, err := h.lifecycle.Pause(c.Request().Context(), c.Param("id"), middleware.Wallet(c))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, task)
}

func (h *Handler) ResumeTask(c echo.Context) error {
	task, err := h.lifecycle.Resume(c.Request().Context(), c.Param("id"), middleware.Wallet(c))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, task)
}

func (h *Handler) DeleteTask(c echo.Context) error {
	var req dto.DeleteTaskRequest
	if c.Request().ContentLength > 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}

	if err := h.lifecycle.Delete(c.Request().Context(), c.Param("id"), middleware.Wallet(c), req.Reason); err != nil {
		return h.fail(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListTransactions(c echo.Context) error {
	txs, err := h.lifecycle.ListTransactions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"count":        len(txs),
		"transactions": txs,
	})
}

func (h *Handler) RejectionBudget(c echo.Context) error {
	budget, err := h.review.RejectionBudget(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, budget)
}

func (h *Handler) SubmitWork(c echo.Context) error {
	var req dto.SubmitWorkRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	payload := model.Payload{Kind: constants.SubmissionKind(req.Kind), Value: req.Content}
	sub, err := h.review.Submit(c.Request().Context(), c.Param("id"), middleware.Wallet(c), payload)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) ListSubmissions(c echo.Context) error {
	status := constants.SubmissionStatus(c.QueryParam("status"))
	switch status {
	case "", constants.SubmissionPending, constants.SubmissionApproved, constants.SubmissionRejected:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be one of: pending approved rejected")
	}

	subs, err := h.review.ListSubmissions(c.Request().Context(), c.Param("id"), status)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"count":       len(subs),
		"submissions": subs,
	})
}

func (h *Handler) GetSubmission(c echo.Context) error {
	sub, err := h.review.GetSubmission(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ApproveSubmission(c echo.Context) error {
	res, err := h.review.Approve(c.Request().Context(), c.Param("id"), middleware.Wallet(c))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, decision(res))
}

func (h *Handler) RejectSubmission(c echo.Context) error {
	res, err := h.review.Reject(c.Request().Context(), c.Param("id"), middleware.Wallet(c))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, decision(res))
}

func decision(res *services.Result) dto.DecisionResponse {
	return dto.DecisionResponse{
		Submission: res.Submission,
		Task:       res.Task,
		Replayed:   res.Replayed,
	}
}

func parseAmount(field, raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, apperrors.ErrValidation.WithMessage(field + " must be a decimal amount")
	}
	return &v, nil
}
