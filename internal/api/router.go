package api

import (
	"github.com/datallboy/songq/internal/api/controllers"
	"github.com/datallboy/songq/internal/app"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {
	log := app.Logger.With("api")

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	downloads := &controllers.DownloadsController{App: app}
	events := &controllers.EventsController{App: app}

	e.GET("/api/downloads", downloads.List)
	e.POST("/api/downloads", downloads.Enqueue)
	e.GET("/api/downloads/:id", downloads.Get)
	e.DELETE("/api/downloads/:id", downloads.Remove)
	e.POST("/api/downloads/:id/retry", downloads.Retry)

	e.GET("/api/settings/concurrency", downloads.GetConcurrency)
	e.PUT("/api/settings/concurrency", downloads.SetConcurrency)

	if app.Events != nil {
		e.GET("/api/events", events.Stream)
	}

	if app.Library != nil {
		library := &controllers.LibraryController{App: app}
		e.GET("/api/library", library.List)
		e.GET("/api/library/:id", library.Download)
	}
}
