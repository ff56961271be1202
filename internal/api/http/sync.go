package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskup/outbox/internal/api"
)

type SetConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (s *server) sync(c *gin.Context) {
	result, err := s.api.ForceSyncNow(s.ctx)
	if err != nil {
		abort(c, api.HandleError(err))
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *server) setConnectivity(c *gin.Context) {
	var body SetConnectivityRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, api.HandleValidationError(err))
		return
	}

	if err := s.api.SetConnectivity(*body.Online); err != nil {
		abort(c, api.HandleError(err))
		return
	}

	c.Status(http.StatusNoContent)
}
