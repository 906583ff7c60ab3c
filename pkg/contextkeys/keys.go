// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that the
// middleware that sets a value and the handler that reads it agree on both
// the key and the stored type.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithOrganizationID(ctx, orgID)
//	orgID, ok := contextkeys.GetOrganizationID(ctx)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// OrganizationIDKey contains the tenant id
	// Set by: middleware.OrgContextMiddleware (pkg/middleware/org.go)
	// Required by: billing endpoints, quota middleware
	// Type: int64
	OrganizationIDKey Key = "organization_id"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, webhook processing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the acting user id
	// Set by: middleware.OrgContextMiddleware from the X-User-ID header
	// Used by: Logger, quota middleware
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *logrus.Entry
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *logrus.Entry
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: httputil.LoggingMiddleware
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithOrganizationID adds the tenant id to the context
func WithOrganizationID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrganizationIDKey, orgID)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetOrganizationID retrieves the tenant id from context
func GetOrganizationID(ctx context.Context) (int64, bool) {
	orgID, ok := ctx.Value(OrganizationIDKey).(int64)
	return orgID, ok
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetRequestStartTime retrieves the request start time from context
func GetRequestStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(RequestStartTimeKey).(time.Time)
	return t, ok
}
