package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/datallboy/songq/internal/app"
	"github.com/datallboy/songq/internal/domain"
	"github.com/labstack/echo/v5"
)

type DownloadsController struct {
	App *app.Context
}

// List returns all four lists and the current ceiling
func (ctrl *DownloadsController) List(c *echo.Context) error {
	q := ctrl.App.Queue
	return c.JSON(http.StatusOK, QueueResponse{
		Queued:        q.ListQueued(),
		Active:        q.ListActive(),
		Completed:     q.ListCompleted(),
		Failed:        q.ListFailed(),
		MaxConcurrent: q.MaxConcurrent(),
	})
}

func (ctrl *DownloadsController) Get(c *echo.Context) error {
	item, ok := ctrl.App.Queue.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Download not found")
	}
	return c.JSON(http.StatusOK, item)
}

// Enqueue accepts a download. A request for an id that is already queued or
// active answers 200 with the existing item instead of 202.
func (ctrl *DownloadsController) Enqueue(c *echo.Context) error {
	var req EnqueueRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}

	item, added, err := ctrl.App.Queue.Enqueue(req.ToDomain())
	switch {
	case errors.Is(err, domain.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Queue is shutting down")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if !added {
		return c.JSON(http.StatusOK, item)
	}
	return c.JSON(http.StatusAccepted, item)
}

func (ctrl *DownloadsController) Remove(c *echo.Context) error {
	if !ctrl.App.Queue.Remove(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "Download not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *DownloadsController) Retry(c *echo.Context) error {
	id := c.Param("id")

	err := ctrl.App.Queue.TryRetry(id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Download not found")
	case errors.Is(err, domain.ErrNotFailed):
		return echo.NewHTTPError(http.StatusConflict, "Only failed downloads can be retried")
	case err != nil:
		return err
	}

	item, _ := ctrl.App.Queue.Get(id)
	return c.JSON(http.StatusAccepted, item)
}

func (ctrl *DownloadsController) GetConcurrency(c *echo.Context) error {
	return c.JSON(http.StatusOK, ConcurrencyResponse{MaxConcurrent: ctrl.App.Queue.MaxConcurrent()})
}

func (ctrl *DownloadsController) SetConcurrency(c *echo.Context) error {
	var req ConcurrencyRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON body")
	}
	if req.MaxConcurrent < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_concurrent must be at least 1")
	}

	ctrl.App.Queue.SetMaxConcurrent(req.MaxConcurrent)
	return c.JSON(http.StatusOK, ConcurrencyResponse{MaxConcurrent: ctrl.App.Queue.MaxConcurrent()})
}
