package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

const maxInboundRequestIDLen = 64

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom reuses a caller-supplied id when it is short and printable,
// otherwise mints a new one.
func RequestIDFrom(inbound string) string {
	if inbound == "" || len(inbound) > maxInboundRequestIDLen {
		return NewRequestID()
	}
	for i := 0; i < len(inbound); i++ {
		c := inbound[i]
		if c < '!' || c > '~' {
			return NewRequestID()
		}
	}
	return inbound
}
