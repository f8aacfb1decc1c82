package middlewares_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/jcmexdev/inventory-saga/internal/httpx/middlewares"
)

func TestAttachTracingMetadata(t *testing.T) {
	var requestID, idempotencyKey string
	h := middleware.RequestID(middlewares.AttachTracingMetadata(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = middlewares.RequestID(r.Context())
		idempotencyKey = middlewares.IdempotencyKey(r.Context())
	})))

	req := httptest.NewRequest(http.MethodPost, "/purchases", nil)
	req.Header.Set(middlewares.HeaderXRequestId, "req-42")
	req.Header.Set(middlewares.HeaderXIdempotencyKey, "tx-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-42", requestID)
	assert.Equal(t, "tx-1", idempotencyKey)
}

func TestAttachTracingMetadata_NoHeaders(t *testing.T) {
	var idempotencyKey = "unset"
	h := middlewares.AttachTracingMetadata(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idempotencyKey = middlewares.IdempotencyKey(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, idempotencyKey)
}
