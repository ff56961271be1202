package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/taskup/outbox/internal/api"
	"github.com/taskup/outbox/pkg/operation"
)

type EnqueueOperationRequest struct {
	Endpoint string          `json:"endpoint" binding:"required,max=2048,endpoint"`
	Verb     string          `json:"verb" binding:"required,oneofci=create update delete post put"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type EnqueueOperationResponse struct {
	Id      string `json:"id"`
	Pending int    `json:"pending"`
}

func (s *server) listOperations(c *gin.Context) {
	ops := s.api.Operations(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *server) enqueueOperation(c *gin.Context) {
	var body EnqueueOperationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, api.HandleValidationError(err))
		return
	}

	verb, err := operation.ParseVerb(body.Verb)
	if err != nil {
		abort(c, api.HandleValidationError(err))
		return
	}

	if len(body.Payload) > 0 && !json.Valid(body.Payload) {
		abort(c, api.NewErrorResponse(http.StatusBadRequest, "FieldValidationFailure", "The field Payload must be valid json"))
		return
	}

	ctx := c.Request.Context()
	id := s.api.Enqueue(ctx, body.Endpoint, verb, body.Payload)

	c.JSON(http.StatusCreated, &EnqueueOperationResponse{
		Id:      id,
		Pending: s.api.PendingCount(ctx),
	})
}

func (s *server) removeOperation(c *gin.Context) {
	s.api.Remove(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}
