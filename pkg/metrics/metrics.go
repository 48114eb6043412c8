package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Predictions counts successful predictions.
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predictions_total",
		Help: "Total number of predictions made",
	}, []string{"model_version", "predicted_class"})

	PredictionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_latency_seconds",
		Help:    "Time spent processing prediction request",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
	})

	PredictionConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prediction_confidence",
		Help: "Model confidence score for predictions",
	})

	PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prediction_errors_total",
		Help: "Total number of prediction errors",
	}, []string{"error_type"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total number of API requests",
	}, []string{"method", "endpoint", "status_code"})

	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_requests",
		Help: "Number of currently active requests",
	})

	// ModelResolutions counts source attempts by outcome.
	ModelResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_resolutions_total",
		Help: "Total number of model source attempts",
	}, []string{"source", "result"})

	ModelReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "model_ready",
		Help: "1 when a model is loaded and serving",
	})
)

// Error types of PredictionErrors.
const (
	ErrorTypeUnavailable  = "model_unavailable"
	ErrorTypeInvalidInput = "invalid_input"
	ErrorTypeInference    = "inference"
)

// ObservePrediction records a successful prediction.
func ObservePrediction(version string, class int, confidence float32, seconds float64) {
	Predictions.WithLabelValues(version, strconv.Itoa(class)).Inc()
	PredictionConfidence.Set(float64(confidence))
	PredictionLatency.Observe(seconds)
}

// ObserveRequest records a served HTTP request.
func ObserveRequest(method, endpoint string, statusCode int) {
	APIRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
}

// ObserveResolution records the outcome of one source attempt.
func ObserveResolution(source string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	ModelResolutions.WithLabelValues(source, result).Inc()
}

// SetReady mirrors the service readiness.
func SetReady(ready bool) {
	if ready {
		ModelReady.Set(1)
		return
	}
	ModelReady.Set(0)
}
