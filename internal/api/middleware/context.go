package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const serviceKeyKey contextKey = "service_key"

func setServiceKey(ctx context.Context, idx int) context.Context {
	return context.WithValue(ctx, serviceKeyKey, idx)
}

// GetServiceKey returns the index of the configured key that authenticated
// the request.
func GetServiceKey(r *http.Request) (int, bool) {
	idx, ok := r.Context().Value(serviceKeyKey).(int)
	return idx, ok
}
