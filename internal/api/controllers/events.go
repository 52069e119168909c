package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/datallboy/songq/internal/app"
	"github.com/labstack/echo/v5"
)

const keepAliveInterval = 15 * time.Second

type EventsController struct {
	App *app.Context
}

// Stream sends queue events as server-sent events until the client goes
// away or the broadcaster closes.
func (ctrl *EventsController) Stream(c *echo.Context) error {
	events, unsubscribe := ctrl.App.Events.Subscribe(256)
	defer unsubscribe()

	w := c.Response()
	rc := http.NewResponseController(w)

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return err
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data); err != nil {
				return nil
			}
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
}
