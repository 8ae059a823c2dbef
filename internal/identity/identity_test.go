// Copyright 2025 James Ross
package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentify(t *testing.T) {
	a := New(map[string]string{"auth-svc": "tok-1", "billing-svc": "tok-2", "empty": ""})

	svc, ok := a.Identify("tok-1")
	require.True(t, ok)
	assert.Equal(t, "auth-svc", svc)

	svc, ok = a.Identify("tok-2")
	require.True(t, ok)
	assert.Equal(t, "billing-svc", svc)

	_, ok = a.Identify("unknown")
	assert.False(t, ok)
	_, ok = a.Identify("")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	a := New(map[string]string{"auth-svc": "tok-1"})
	var seen string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ServiceFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/send", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/send", nil)
	req.Header.Set(HeaderName, "tok-1")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "auth-svc", seen)
}
