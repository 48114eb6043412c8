package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/config"
	"github.com/instill-ai/mnist-backend/pkg/constant"
	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/preprocess"
	"github.com/instill-ai/mnist-backend/pkg/resolver"
	"github.com/instill-ai/mnist-backend/pkg/service"

	customotel "github.com/instill-ai/mnist-backend/pkg/logger/otel"
)

var tracer = otel.Tracer("mnist-backend.handler.tracer")

func makeJSONResponse(w http.ResponseWriter, status int, title string, detail string) {
	w.Header().Add("Content-Type", "application/json+problem")
	w.WriteHeader(status)
	obj, _ := json.Marshal(datamodel.Error{
		Status: int32(status),
		Title:  title,
		Detail: detail,
	})
	_, _ = w.Write(obj)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse maps service errors to an HTTP status and problem title.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid input"
	case errors.Is(err, service.ErrResolutionInProgress):
		return http.StatusConflict, "Resolution in progress"
	case errors.Is(err, service.ErrModelUnavailable),
		errors.Is(err, service.ErrClosed),
		errors.Is(err, resolver.ErrResolutionExhausted):
		return http.StatusServiceUnavailable, "Service not ready"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// errorDetail drops the gRPC status prefix of sentinel errors.
func errorDetail(err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, "rpc error: ") {
		if _, desc, ok := strings.Cut(msg, " desc = "); ok {
			return desc
		}
	}
	return msg
}

func writeError(w http.ResponseWriter, span trace.Span, err error) {
	st, title := errorResponse(err)
	detail := errorDetail(err)
	span.SetStatus(codes.Error, detail)
	makeJSONResponse(w, st, title, detail)
}

func maxPayload() int64 {
	mb := config.Config.Server.MaxDataSize
	if mb <= 0 {
		mb = constant.MaxPayloadSize
	}
	return int64(mb) << 20
}

// HandleHealth reports the service health; it always answers 200.
func HandleHealth(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {
	writeJSON(w, http.StatusOK, s.Health())
}

// HandleReady answers 200 once a model is served and 503 before.
func HandleReady(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {
	h := s.Health()
	if !h.Ready {
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// Info describes the running service.
type Info struct {
	Name         string                `json:"name"`
	Version      string                `json:"version"`
	Environment  string                `json:"environment"`
	ModelName    string                `json:"model_name"`
	ModelStage   string                `json:"model_stage"`
	MLflowURI    string                `json:"mlflow_uri"`
	ModelVersion *string               `json:"model_version"`
	ModelSource  datamodel.ModelSource `json:"model_source"`
}

// HandleInfo reports the configuration and the served model.
func HandleInfo(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {
	h := s.Health()
	writeJSON(w, http.StatusOK, Info{
		Name:         constant.ServiceTitle,
		Version:      constant.ServiceVersion,
		Environment:  config.Config.Server.Environment,
		ModelName:    config.Config.Model.RegistryName,
		ModelStage:   config.Config.Model.RegistryStage,
		MLflowURI:    config.Config.MLflow.TrackingURI,
		ModelVersion: h.Version,
		ModelSource:  h.Source,
	})
}

// PredictRequest is the JSON body of POST /predict. Image is base64 or a
// data URL; Pixels is a 28x28 grid of intensities in [0,255].
type PredictRequest struct {
	Image  string      `json:"image,omitempty"`
	Pixels [][]float32 `json:"pixels,omitempty"`
}

// HandlePredict is a custom handler for JSON predictions
func HandlePredict(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {

	eventName := "HandlePredict"

	ctx, span := tracer.Start(req.Context(), eventName,
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	logUUID, _ := uuid.NewV4()
	w.Header().Set(constant.HeaderRequestIDKey, logUUID.String())

	logger, _ := logger.GetZapLogger(ctx)

	if ct := req.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		makeJSONResponse(w, http.StatusUnsupportedMediaType, "Unsupported media type", "Content-Type must be application/json")
		span.SetStatus(codes.Error, "unsupported media type")
		return
	}

	var body PredictRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxPayload()))
	if err := dec.Decode(&body); err != nil {
		writeError(w, span, fmt.Errorf("%w: malformed JSON body: %v", service.ErrInvalidInput, err))
		return
	}

	predReq := &datamodel.PredictionRequest{Pixels: body.Pixels}
	if body.Pixels == nil {
		if body.Image == "" {
			writeError(w, span, fmt.Errorf("%w: body needs image or pixels", service.ErrInvalidInput))
			return
		}
		b, err := preprocess.DecodeBase64(body.Image)
		if err != nil {
			writeError(w, span, err)
			return
		}
		predReq.Image = b
	}

	predict(ctx, s, w, span, logger, logUUID.String(), eventName, predReq)
}

// HandlePredictUpload is a custom handler for multipart/form-data predictions
func HandlePredictUpload(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {

	eventName := "HandlePredictUpload"

	ctx, span := tracer.Start(req.Context(), eventName,
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	logUUID, _ := uuid.NewV4()
	w.Header().Set(constant.HeaderRequestIDKey, logUUID.String())

	logger, _ := logger.GetZapLogger(ctx)

	if !strings.Contains(req.Header.Get("Content-Type"), "multipart/form-data") {
		makeJSONResponse(w, http.StatusUnsupportedMediaType, "Unsupported media type", "Content-Type must be multipart/form-data")
		span.SetStatus(codes.Error, "unsupported media type")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxPayload())
	if err := req.ParseMultipartForm(maxPayload()); err != nil {
		writeError(w, span, fmt.Errorf("%w: error while reading form: %v", service.ErrInvalidInput, err))
		return
	}
	file, _, err := req.FormFile(constant.UploadFormField)
	if err != nil {
		writeError(w, span, fmt.Errorf("%w: form field %q: %v", service.ErrInvalidInput, constant.UploadFormField, err))
		return
	}
	defer file.Close()

	b, err := io.ReadAll(file)
	if err != nil {
		writeError(w, span, fmt.Errorf("%w: error reading input file: %v", service.ErrInvalidInput, err))
		return
	}

	predict(ctx, s, w, span, logger, logUUID.String(), eventName, &datamodel.PredictionRequest{Image: b})
}

func predict(ctx context.Context, s service.Service, w http.ResponseWriter, span trace.Span, logger *zap.Logger, logID string, eventName string, req *datamodel.PredictionRequest) {
	res, err := s.Predict(ctx, req)
	if err != nil {
		st, _ := errorResponse(err)
		if st >= http.StatusInternalServerError {
			logger.Error(string(customotel.NewLogMessage(span, logID, eventName,
				customotel.SetErrorMessage(err.Error()))))
		} else {
			logger.Info("prediction rejected", zap.String("logUUID", logID), zap.Error(err))
		}
		writeError(w, span, err)
		return
	}

	span.SetAttributes(
		attribute.Int("prediction", res.Prediction),
		attribute.Float64("confidence", float64(res.Confidence)))
	logger.Info(string(customotel.NewLogMessage(span, logID, eventName,
		customotel.SetEventResult(res))))
	writeJSON(w, http.StatusOK, res)
}

// NewReloadHandler re-resolves the model and broadcasts the request to the
// other replicas through pub, when set.
func NewReloadHandler(pub Publisher) func(service.Service, http.ResponseWriter, *http.Request, map[string]string) {
	return func(s service.Service, w http.ResponseWriter, req *http.Request, pathParams map[string]string) {

		eventName := "HandleReload"

		ctx, span := tracer.Start(req.Context(), eventName,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		logUUID, _ := uuid.NewV4()
		w.Header().Set(constant.HeaderRequestIDKey, logUUID.String())

		logger, _ := logger.GetZapLogger(ctx)

		err := s.Resolve(ctx)
		if errors.Is(err, service.ErrResolutionInProgress) {
			writeError(w, span, err)
			return
		}

		if pub != nil {
			if perr := pub.Publish(ctx, "admin"); perr != nil {
				logger.Warn("reload broadcast failed", zap.Error(perr))
			}
		}

		h := s.Health()
		if err != nil {
			logger.Error(string(customotel.NewLogMessage(span, logUUID.String(), eventName,
				customotel.SetEventResource(h.Source),
				customotel.SetErrorMessage(err.Error()))))
			if h.Ready {
				// the previous model keeps serving; readiness is unchanged
				detail := errorDetail(err)
				span.SetStatus(codes.Error, detail)
				makeJSONResponse(w, http.StatusBadGateway, "Reload failed, previous model still served", detail)
				return
			}
			writeError(w, span, err)
			return
		}

		logger.Info(string(customotel.NewLogMessage(span, logUUID.String(), eventName,
			customotel.SetEventResource(h.Source),
			customotel.SetEventResult(h.Version))))
		writeJSON(w, http.StatusOK, h)
	}
}
