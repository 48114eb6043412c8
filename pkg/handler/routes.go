package handler

import (
	"context"
	_ "embed"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/instill-ai/mnist-backend/pkg/middleware"
	"github.com/instill-ai/mnist-backend/pkg/service"
)

//go:embed web/index.html
var indexHTML []byte

// Publisher broadcasts reload requests to the other replicas.
type Publisher interface {
	Publish(ctx context.Context, reason string) error
}

// Routes are the served paths, used as metric labels.
var Routes = []string{
	"/",
	"/health",
	"/ready",
	"/api/info",
	"/metrics",
	"/predict",
	"/predict/upload",
	"/admin/reload",
}

// RegisterRoutes registers the REST endpoints as custom gateway routes. pub
// may be nil when reloads are not broadcast.
func RegisterRoutes(mux *runtime.ServeMux, s service.Service, pub Publisher) error {
	metricsHandler := promhttp.Handler()

	routes := []struct {
		method  string
		pattern string
		h       runtime.HandlerFunc
	}{
		{http.MethodGet, "/health", middleware.AppendCustomHeaderMiddleware(s, HandleHealth)},
		{http.MethodGet, "/ready", middleware.AppendCustomHeaderMiddleware(s, HandleReady)},
		{http.MethodGet, "/api/info", middleware.AppendCustomHeaderMiddleware(s, HandleInfo)},
		{http.MethodPost, "/predict", middleware.AppendCustomHeaderMiddleware(s, HandlePredict)},
		{http.MethodPost, "/predict/upload", middleware.AppendCustomHeaderMiddleware(s, HandlePredictUpload)},
		{http.MethodPost, "/admin/reload", middleware.AppendCustomHeaderMiddleware(s, NewReloadHandler(pub))},
		{http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metricsHandler.ServeHTTP(w, r)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return err
		}
	}
	return nil
}

// WithIndex serves the drawing page on the root path, which the gateway
// path templates cannot express.
func WithIndex(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				_, _ = w.Write(indexHTML)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}
