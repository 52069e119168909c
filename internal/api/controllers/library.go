package controllers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/datallboy/songq/internal/app"
	"github.com/datallboy/songq/internal/domain"
	"github.com/labstack/echo/v5"
)

type LibraryController struct {
	App *app.Context
}

func (ctrl *LibraryController) List(c *echo.Context) error {
	songs, err := ctrl.App.Library.ListSongs(c.Request().Context())
	if err != nil {
		ctrl.App.Logger.Error("Failed to list library: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list library")
	}
	return c.JSON(http.StatusOK, LibraryResponse{Songs: songs})
}

// Download streams a stored payload back with its original content type
func (ctrl *LibraryController) Download(c *echo.Context) error {
	id := c.Param("id")

	song, err := ctrl.App.Library.GetSong(c.Request().Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Song not found")
	}
	if err != nil {
		ctrl.App.Logger.Error("Failed to read song %s: %v", id, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read song")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", path.Base(song.Artist+" - "+song.Name)))
	return c.Stream(http.StatusOK, song.ContentType, bytes.NewReader(song.Payload))
}
