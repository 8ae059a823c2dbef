// Copyright 2025 James Ross
package identity

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// HeaderName carries the caller's service token.
const HeaderName = "X-Service-Token"

type contextKey struct{}

// Authenticator resolves service tokens to service names.
type Authenticator struct {
	byToken map[string]string
}

// New builds an authenticator from a service-name -> token mapping.
func New(serviceTokens map[string]string) *Authenticator {
	byToken := make(map[string]string, len(serviceTokens))
	for service, token := range serviceTokens {
		if token != "" {
			byToken[token] = service
		}
	}
	return &Authenticator{byToken: byToken}
}

// Identify returns the service owning the token.
func (a *Authenticator) Identify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for known, service := range a.byToken {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return service, true
		}
	}
	return "", false
}

// Middleware rejects requests without a valid token and stores the caller's
// service name in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		service, ok := a.Identify(r.Header.Get(HeaderName))
		if !ok {
			http.Error(w, `{"error":"invalid or missing service token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithService(r.Context(), service)))
	})
}

// WithService stores the caller identity in the context.
func WithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, contextKey{}, service)
}

// ServiceFrom returns the caller identity set by Middleware.
func ServiceFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok {
		return v
	}
	return ""
}
