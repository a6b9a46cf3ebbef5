package handlers

import (
	"net/http"
	"time"

	"task-tracker/backend/internal/events"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventsHandler streams invalidations to browsers as server-sent events so
// open list and detail pages know when to reload.
type EventsHandler struct {
	hub       *events.Hub
	buffer    int
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewEventsHandler(hub *events.Hub, buffer int, log *zap.Logger) *EventsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventsHandler{hub: hub, buffer: buffer, heartbeat: 25 * time.Second, logger: log}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	ch, cancel := h.hub.Subscribe(h.buffer)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-ch:
			if !ok {
				return
			}
			c.Render(-1, sse.Event{Id: inv.ID, Event: "invalidate", Data: inv})
			c.Writer.Flush()
		case <-ticker.C:
			c.Render(-1, sse.Event{Event: "ping", Data: time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}
