// Package handlers implements the management API endpoints that drive setup
// flows and manage config entries.
package handlers

import (
	"errors"
	"net/http"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/logging"
	"github.com/gin-gonic/gin"
)

// secretDataKeys are masked before entries or results leave the process.
var secretDataKeys = []string{"token"}

// Handler serves the management endpoints.
type Handler struct {
	flows   *flow.Manager
	entries *entry.Registry
}

// NewHandler creates a handler over the flow manager and entry registry.
func NewHandler(flows *flow.Manager, entries *entry.Registry) *Handler {
	return &Handler{flows: flows, entries: entries}
}

// writeError maps well-known errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, flow.ErrUnknownFlow), errors.Is(err, entry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, flow.ErrUnknownHandler), errors.Is(err, flow.ErrMissingInput):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Entry(c.Request.Context()).WithError(err).Error("management API request failed")
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
