package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/instill-ai/mnist-backend/pkg/metrics"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("wildcard preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
		req.Header.Set("Origin", "http://example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()

		CORS(next, []string{"*"}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", nil)
		req.Header.Set("Origin", "http://a.test")
		rec := httptest.NewRecorder()

		CORS(next, []string{"http://a.test"}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "http://a.test", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/predict", nil)
		req.Header.Set("Origin", "http://b.test")
		rec := httptest.NewRecorder()

		CORS(next, []string{"http://a.test"}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestObserve(t *testing.T) {
	h := Observe(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}), "/health")

	healthOK := metrics.APIRequests.WithLabelValues(http.MethodGet, "/health", "200")
	other := metrics.APIRequests.WithLabelValues(http.MethodGet, "other", "404")
	beforeHealth, beforeOther := testutil.ToFloat64(healthOK), testutil.ToFloat64(other)

	for _, p := range []string{"/health", "/nope/1", "/nope/2"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	assert.Equal(t, beforeHealth+1, testutil.ToFloat64(healthOK))
	assert.Equal(t, beforeOther+2, testutil.ToFloat64(other))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRequests))
}

func TestLogDecider(t *testing.T) {
	assert.False(t, LogDecider("/grpc.health.v1.Health/Check", nil))
	assert.True(t, LogDecider("/grpc.health.v1.Health/Check", errors.New("unavailable")))
	assert.True(t, LogDecider("/mnist.v1.Service/Predict", nil))
}
