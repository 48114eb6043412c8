package handler_test

//go:generate mockgen -destination mock_service_test.go -package $GOPACKAGE github.com/instill-ai/mnist-backend/pkg/service Service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/handler"
	"github.com/instill-ai/mnist-backend/pkg/resolver"
	"github.com/instill-ai/mnist-backend/pkg/service"
)

type fakePublisher struct {
	reasons []string
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, reason string) error {
	p.reasons = append(p.reasons, reason)
	return p.err
}

func newServer(t *testing.T, s service.Service, pub handler.Publisher) http.Handler {
	t.Helper()
	mux := runtime.NewServeMux()
	require.NoError(t, handler.RegisterRoutes(mux, s, pub))
	return handler.WithIndex(mux)
}

func do(h http.Handler, method, target, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readyHealth() datamodel.Health {
	v := "3"
	return datamodel.Health{
		Ready:     true,
		State:     service.StateReady.String(),
		Source:    datamodel.RegistrySource{Name: "Mnist_Best_Model", Stage: "Production"},
		Version:   &v,
		ModelName: "Mnist_Best_Model",
	}
}

func problem(t *testing.T, rec *httptest.ResponseRecorder) datamodel.Error {
	t.Helper()
	assert.Equal(t, "application/json+problem", rec.Header().Get("Content-Type"))
	var e datamodel.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, int32(rec.Code), e.Status)
	return e
}

func grid(v float32) [][]float32 {
	g := make([][]float32, datamodel.ImageSize)
	for i := range g {
		g[i] = make([]float32, datamodel.ImageSize)
		for j := range g[i] {
			g[i][j] = v
		}
	}
	return g
}

func TestHandler_Health(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockService := NewMockService(ctrl)
	h := newServer(t, mockService, nil)

	t.Run("health is 200 before resolution", func(t *testing.T) {
		mockService.EXPECT().Health().Return(datamodel.Health{State: service.StateResolving.String()})

		rec := do(h, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ready":false,"state":"resolving","source":null,"version":null,"model_name":""}`, rec.Body.String())
	})

	t.Run("ready is 503 before resolution", func(t *testing.T) {
		mockService.EXPECT().Health().Return(datamodel.Health{State: service.StateFailed.String(), LastError: "boom"})

		rec := do(h, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("ready is 200 once served", func(t *testing.T) {
		mockService.EXPECT().Health().Return(readyHealth())

		rec := do(h, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "3", got["version"])
		assert.Equal(t, "registry", got["source"].(map[string]any)["kind"])
	})
}

func TestHandler_Info(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockService := NewMockService(ctrl)
	mockService.EXPECT().Health().Return(readyHealth())
	h := newServer(t, mockService, nil)

	rec := do(h, http.MethodGet, "/api/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "MNIST Classification API", info["name"])
	assert.Equal(t, "1.0.0", info["version"])
	assert.Equal(t, "3", info["model_version"])
	assert.Contains(t, info, "mlflow_uri")
}

func TestHandler_Predict(t *testing.T) {
	result := &datamodel.PredictionResult{
		Prediction:    7,
		Confidence:    0.9,
		Probabilities: []float32{0, 0, 0, 0, 0, 0, 0, 0.9, 0.1, 0},
	}

	t.Run("pixels", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		mockService.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *datamodel.PredictionRequest) (*datamodel.PredictionResult, error) {
				assert.Len(t, req.Pixels, datamodel.ImageSize)
				assert.Nil(t, req.Image)
				return result, nil
			})
		h := newServer(t, mockService, nil)

		body, _ := json.Marshal(handler.PredictRequest{Pixels: grid(0)})
		rec := do(h, http.MethodPost, "/predict", "application/json", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

		var got datamodel.PredictionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, *result, got)
	})

	t.Run("data url image", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		mockService.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *datamodel.PredictionRequest) (*datamodel.PredictionResult, error) {
				assert.Equal(t, []byte("png-bytes"), req.Image)
				return result, nil
			})
		h := newServer(t, mockService, nil)

		body := []byte(`{"image":"data:image/png;base64,cG5nLWJ5dGVz"}`)
		rec := do(h, http.MethodPost, "/predict", "application/json", body)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"malformed json", "application/json", `{"pixels":`, http.StatusBadRequest},
		{"empty body", "application/json", `{}`, http.StatusBadRequest},
		{"bad base64", "application/json", `{"image":"***"}`, http.StatusBadRequest},
		{"wrong content type", "text/plain", `hello`, http.StatusUnsupportedMediaType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockService := NewMockService(ctrl)
			h := newServer(t, mockService, nil)

			rec := do(h, http.MethodPost, "/predict", tc.contentType, []byte(tc.body))
			assert.Equal(t, tc.wantStatus, rec.Code)
			problem(t, rec)
		})
	}

	serviceErrors := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"no model", service.ErrModelUnavailable, http.StatusServiceUnavailable},
		{"closed", service.ErrClosed, http.StatusServiceUnavailable},
		{"invalid pixels", fmt.Errorf("%w: pixel grid must be 28x28", service.ErrInvalidInput), http.StatusBadRequest},
		{"inference", fmt.Errorf("%w: output has NaN", service.ErrInference), http.StatusInternalServerError},
	}
	for _, tc := range serviceErrors {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockService := NewMockService(ctrl)
			mockService.EXPECT().Predict(gomock.Any(), gomock.Any()).Return(nil, tc.err)
			h := newServer(t, mockService, nil)

			body, _ := json.Marshal(handler.PredictRequest{Pixels: grid(255)})
			rec := do(h, http.MethodPost, "/predict", "application/json", body)
			assert.Equal(t, tc.wantStatus, rec.Code)
			e := problem(t, rec)
			assert.NotContains(t, e.Detail, "rpc error")
		})
	}
}

func TestHandler_PredictUpload(t *testing.T) {
	t.Run("file field", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		mockService.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *datamodel.PredictionRequest) (*datamodel.PredictionResult, error) {
				assert.Equal(t, []byte("image-content"), req.Image)
				return datamodel.NewPredictionResult([]float32{1, 0, 0, 0, 0, 0, 0, 0, 0, 0}), nil
			})
		h := newServer(t, mockService, nil)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "digit.png")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("image-content"))
		require.NoError(t, mw.Close())

		rec := do(h, http.MethodPost, "/predict/upload", mw.FormDataContentType(), buf.Bytes())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"prediction":0`)
	})

	t.Run("missing file field", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		h := newServer(t, mockService, nil)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("other", "x"))
		require.NoError(t, mw.Close())

		rec := do(h, http.MethodPost, "/predict/upload", mw.FormDataContentType(), buf.Bytes())
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		h := newServer(t, mockService, nil)

		rec := do(h, http.MethodPost, "/predict/upload", "application/json", []byte(`{}`))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})
}

func TestHandler_Reload(t *testing.T) {
	t.Run("success broadcasts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		pub := &fakePublisher{}
		gomock.InOrder(
			mockService.EXPECT().Resolve(gomock.Any()).Return(nil),
			mockService.EXPECT().Health().Return(readyHealth()),
		)
		h := newServer(t, mockService, pub)

		rec := do(h, http.MethodPost, "/admin/reload", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"admin"}, pub.reasons)
	})

	t.Run("in progress does not broadcast", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		pub := &fakePublisher{}
		mockService.EXPECT().Resolve(gomock.Any()).Return(service.ErrResolutionInProgress)
		h := newServer(t, mockService, pub)

		rec := do(h, http.MethodPost, "/admin/reload", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, pub.reasons)
	})

	t.Run("exhausted still broadcasts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		pub := &fakePublisher{err: fmt.Errorf("redis down")}
		mockService.EXPECT().Resolve(gomock.Any()).Return(&resolver.ExhaustedError{})
		mockService.EXPECT().Health().Return(datamodel.Health{State: service.StateFailed.String()})
		h := newServer(t, mockService, pub)

		rec := do(h, http.MethodPost, "/admin/reload", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Len(t, pub.reasons, 1)
	})

	t.Run("failure while serving keeps readiness", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		stillServing := readyHealth()
		stillServing.LastError = "no model available: all sources failed"
		gomock.InOrder(
			mockService.EXPECT().Resolve(gomock.Any()).Return(&resolver.ExhaustedError{}),
			mockService.EXPECT().Health().Return(stillServing),
			mockService.EXPECT().Health().Return(stillServing),
		)
		h := newServer(t, mockService, nil)

		rec := do(h, http.MethodPost, "/admin/reload", "", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		e := problem(t, rec)
		assert.Equal(t, "Reload failed, previous model still served", e.Title)
		assert.NotContains(t, e.Detail, "rpc error")

		rec = do(h, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("without publisher", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockService := NewMockService(ctrl)
		mockService.EXPECT().Resolve(gomock.Any()).Return(nil)
		mockService.EXPECT().Health().Return(readyHealth())
		h := newServer(t, mockService, nil)

		rec := do(h, http.MethodPost, "/admin/reload", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestWithIndex(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockService := NewMockService(ctrl)
	h := newServer(t, mockService, nil)

	rec := do(h, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "<canvas")

	rec = do(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchHealth(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockService := NewMockService(ctrl)
	mockService.EXPECT().State().Return(service.StateReady).AnyTimes()

	hs := health.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handler.WatchHealth(ctx, mockService, hs, 10*time.Millisecond)
		close(done)
	}()

	for _, name := range []string{"", "mnist-backend"} {
		require.Eventually(t, func() bool {
			resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
			return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
		}, time.Second, 10*time.Millisecond)
	}

	cancel()
	<-done
}
