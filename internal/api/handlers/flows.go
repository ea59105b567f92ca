package handlers

import (
	"net/http"
	"strings"

	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/gin-gonic/gin"
)

type startFlowRequest struct {
	Handler string `json:"handler"`
}

// StartFlow starts a setup flow: POST /v0/flows {"handler":"onlycat"}.
func (h *Handler) StartFlow(c *gin.Context) {
	var req startFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	domain := strings.TrimSpace(req.Handler)
	if domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "handler is required"})
		return
	}
	res, err := h.flows.Init(c.Request.Context(), domain)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, redactResult(res))
}

// ConfigureFlow submits the current step: POST /v0/flows/:flow_id with the form values.
func (h *Handler) ConfigureFlow(c *gin.Context) {
	input := map[string]string{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "form values must be a JSON object of strings"})
			return
		}
	}
	res, err := h.flows.Configure(c.Request.Context(), c.Param("flow_id"), input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, redactResult(res))
}

// ListFlows returns the in-progress flows.
func (h *Handler) ListFlows(c *gin.Context) {
	records, err := h.flows.Progress(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*flow.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"flows": records})
}

// AbortFlow drops an in-progress flow.
func (h *Handler) AbortFlow(c *gin.Context) {
	if err := h.flows.Abort(c.Request.Context(), c.Param("flow_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// redactResult masks secrets in the data of a created entry. The form pre-fill is
// left alone: it echoes what the caller just submitted.
func redactResult(res *flow.Result) *flow.Result {
	if res == nil {
		return nil
	}
	out := *res
	if res.Data != nil {
		out.Data = make(map[string]string, len(res.Data))
		for k, v := range res.Data {
			out.Data[k] = v
		}
		for _, key := range secretDataKeys {
			if _, ok := out.Data[key]; ok {
				out.Data[key] = "**REDACTED**"
			}
		}
	}
	if res.Entry != nil {
		out.Entry = res.Entry.Redacted(secretDataKeys...)
	}
	return &out
}
