package logging

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type requestIDKey struct{}

type flowIDKey struct{}

const ginRequestIDKey = "__request_id__"

// GenerateRequestID creates a new request id.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a new context with the request id attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request id from the context, or "".
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithFlowID returns a new context carrying the id of the config flow being driven.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, flowID)
}

// GetFlowID retrieves the flow id from the context, or "".
func GetFlowID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(flowIDKey{}).(string)
	return id
}

// Entry returns a logrus entry annotated with the flow and request ids found in ctx.
func Entry(ctx context.Context) *log.Entry {
	fields := log.Fields{}
	if id := GetFlowID(ctx); id != "" {
		fields["flow_id"] = id
	}
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	return log.WithFields(fields)
}

// SetGinRequestID stores the request id in the Gin context.
func SetGinRequestID(c *gin.Context, requestID string) {
	if c != nil {
		c.Set(ginRequestIDKey, requestID)
	}
}

// GetGinRequestID retrieves the request id from the Gin context.
func GetGinRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ginRequestIDKey)
}
