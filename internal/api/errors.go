package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/taskup/outbox/internal/coordinator"
)

// ErrorResponse is the error body sent to control api clients.
type ErrorResponse struct {
	Body Error `json:"error"`
}

type Error struct {
	// Code is the http status code.
	Code int `json:"code"`

	// Message is a human readable description.
	Message string `json:"message,omitempty"`

	// Status names the error type.
	Status string `json:"status,omitempty"`

	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Type            string           `json:"@type,omitempty"`
	Message         string           `json:"message,omitempty"`
	FieldViolations []FieldViolation `json:"fieldViolations,omitempty"`
}

type FieldViolation struct {
	Field       string `json:"field,omitempty"`
	Description string `json:"description,omitempty"`
}

func NewErrorResponse(code int, status string, message string) *ErrorResponse {
	return &ErrorResponse{Body: Error{Code: code, Status: status, Message: message}}
}

func (e *ErrorResponse) Error() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func (e *ErrorResponse) StatusCode() int {
	return e.Body.Code
}

func HandleError(err error) *ErrorResponse {
	switch {
	case errors.Is(err, coordinator.ErrOffline):
		return NewErrorResponse(http.StatusServiceUnavailable, "Offline", "Cannot sync while offline")
	case errors.Is(err, coordinator.ErrDraining):
		return NewErrorResponse(http.StatusConflict, "SyncInProgress", "A sync is already in progress")
	case errors.Is(err, ErrConnectivityNotManual):
		return NewErrorResponse(http.StatusConflict, "ConnectivityNotManual", "Connectivity is derived from the configured signal")
	default:
		return NewErrorResponse(http.StatusInternalServerError, "Internal", err.Error())
	}
}

func HandleValidationError(err error) *ErrorResponse {
	res := NewErrorResponse(http.StatusBadRequest, "FieldValidationFailure", "The request is invalid")

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		res.Body.Details = []ErrorDetail{{Type: "RequestBindingError", Message: err.Error()}}
		return res
	}

	detail := ErrorDetail{Type: "FieldValidationError"}
	for _, e := range verrs {
		detail.FieldViolations = append(detail.FieldViolations, FieldViolation{
			Field:       fieldName(e),
			Description: describe(e),
		})
	}

	res.Body.Details = []ErrorDetail{detail}
	return res
}

func fieldName(e validator.FieldError) string {
	// Namespace is "Struct.Field", drop the struct
	ns := e.Namespace()
	if i := strings.Index(ns, "."); i != -1 {
		ns = ns[i+1:]
	}
	return ns
}

func describe(e validator.FieldError) string {
	prefix := fmt.Sprintf("The field %s", e.Field())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", prefix)
	case "oneofci":
		return fmt.Sprintf("%s must be one of: %s", prefix, strings.ReplaceAll(e.Param(), " ", ", "))
	case "endpoint":
		return fmt.Sprintf("%s must be an absolute resource path", prefix)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", prefix, e.Param())
	default:
		return e.Error()
	}
}
