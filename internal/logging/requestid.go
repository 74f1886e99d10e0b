// Package logging propagates request and sync job IDs through contexts so
// log lines from one webhook or one sync can be correlated.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	jobIDKey     contextKey = "syncJobId"
)

// GenerateRequestID creates an 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithJobID injects a sync job ID into the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// GetJobID retrieves the sync job ID from the context.
func GetJobID(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey).(string); ok {
		return id
	}
	return ""
}

// Tag returns the most specific correlation ID for log prefixes: the sync
// job ID, else the request ID, else "-".
func Tag(ctx context.Context) string {
	if id := GetJobID(ctx); id != "" {
		return id
	}
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return "-"
}
