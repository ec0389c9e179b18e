package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-playground/assert/v2"
)

func TestTracingSetsRequestID(t *testing.T) {
	var seen string
	h := Tracing(logr.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, rec.Code, http.StatusTeapot)
	assert.Equal(t, len(seen), 27)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), seen)
	assert.Equal(t, GetRequestID(context.Background()), "unknown")
}

func TestRecovery(t *testing.T) {
	h := Recovery(logr.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, rec.Code, http.StatusInternalServerError)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/documents", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, called, false)
	assert.Equal(t, rec.Header().Get("Access-Control-Allow-Origin"), "*")
}
