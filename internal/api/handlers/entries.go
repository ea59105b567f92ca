package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListEntries returns configured entries with secrets masked. ?domain= filters by integration.
func (h *Handler) ListEntries(c *gin.Context) {
	entries := h.entries.List(c.Query("domain"))
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Redacted(secretDataKeys...))
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}

// DeleteEntry removes a config entry.
func (h *Handler) DeleteEntry(c *gin.Context) {
	if err := h.entries.Remove(c.Request.Context(), c.Param("entry_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
