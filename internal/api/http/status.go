package http

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskup/outbox/internal/connectivity"
	"github.com/taskup/outbox/internal/coordinator"
	"github.com/taskup/outbox/internal/status"
)

type StatusResponse struct {
	Status       status.Status       `json:"status"`
	Pending      int                 `json:"pending"`
	Connectivity connectivity.State  `json:"connectivity"`
	LastSync     *coordinator.Result `json:"lastSync,omitempty"`
}

func (s *server) snapshot(ctx context.Context, st status.Status) *StatusResponse {
	return &StatusResponse{
		Status:       st,
		Pending:      s.api.PendingCount(ctx),
		Connectivity: s.api.Connectivity(),
		LastSync:     s.api.LastResult(),
	}
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot(c.Request.Context(), s.api.Status()))
}

// statusEvents streams one server sent event per status change, starting
// with the current status.
func (s *server) statusEvents(c *gin.Context) {
	updates, unsubscribe := s.api.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("status", s.snapshot(ctx, st))
			return true
		case <-ctx.Done():
			return false
		case <-s.ctx.Done():
			return false
		}
	})
}
