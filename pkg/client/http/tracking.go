package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
)

const (
	reqTimeout    = time.Second * 30
	maxRetryCount = 3
	retryDelay    = 100 * time.Millisecond

	apiPrefix      = "/api/2.0/mlflow"
	artifactPrefix = "/api/2.0/mlflow-artifacts/artifacts"

	// searchPageSize is the largest page the tracking server accepts.
	searchPageSize = 1000
)

// RunStatusFinished is the status of a completed run.
const RunStatusFinished = "FINISHED"

// ErrNotFound is returned when the tracking server reports a missing entity.
var ErrNotFound = status.New(codes.NotFound, "tracking server: resource does not exist").Err()

// APIError is a non-2xx answer of the tracking server.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracking server returned %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Unwrap maps missing entities to ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.ErrorCode == "RESOURCE_DOES_NOT_EXIST" || e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// TrackingClient interacts with the MLflow tracking server REST API.
type TrackingClient struct {
	*resty.Client
}

// Options tune the tracking client. Zero values fall back to defaults.
type Options struct {
	Timeout    time.Duration
	RetryCount int
}

// NewTrackingClient returns an initialized tracking server HTTP client.
func NewTrackingClient(ctx context.Context, trackingURI string, opts Options) *TrackingClient {
	logger, _ := logger.GetZapLogger(ctx)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = reqTimeout
	}
	retry := opts.RetryCount
	if retry <= 0 {
		retry = maxRetryCount
	}

	r := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(strings.TrimSuffix(trackingURI, "/")).
		SetTimeout(timeout).
		SetRetryCount(retry).
		SetRetryWaitTime(retryDelay).
		SetHeader("Content-Type", "application/json")

	return &TrackingClient{Client: r}
}

func (c *TrackingClient) do(ctx context.Context, method, path string, body any, result any) error {
	apiErr := &APIError{}
	// the REST API always answers JSON, whatever the header says
	r := c.R().SetContext(ctx).SetError(apiErr).ForceContentType("application/json")
	if result != nil {
		r.SetResult(result)
	}
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, apiPrefix+path)
	if err != nil {
		return fmt.Errorf("couldn't connect with tracking server: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	return nil
}

type experimentResponse struct {
	Experiment datamodel.Experiment `json:"experiment"`
}

// GetExperimentByName calls GET /experiments/get-by-name.
func (c *TrackingClient) GetExperimentByName(ctx context.Context, name string) (*datamodel.Experiment, error) {
	var resp experimentResponse
	path := "/experiments/get-by-name?experiment_name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Experiment, nil
}

type runInfo struct {
	RunID        string `json:"run_id"`
	RunName      string `json:"run_name"`
	ExperimentID string `json:"experiment_id"`
	Status       string `json:"status"`
	StartTime    int64  `json:"start_time"`
	ArtifactURI  string `json:"artifact_uri"`
}

type runData struct {
	Metrics []struct {
		Key   string  `json:"key"`
		Value float64 `json:"value"`
	} `json:"metrics"`
	Tags []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"tags"`
}

type run struct {
	Info runInfo `json:"info"`
	Data runData `json:"data"`
}

func (r run) toDatamodel() *datamodel.Run {
	out := &datamodel.Run{
		RunID:        r.Info.RunID,
		RunName:      r.Info.RunName,
		ExperimentID: r.Info.ExperimentID,
		Status:       r.Info.Status,
		StartTime:    time.UnixMilli(r.Info.StartTime).UTC(),
		ArtifactURI:  r.Info.ArtifactURI,
		Metrics:      make(map[string]float64, len(r.Data.Metrics)),
	}
	for _, m := range r.Data.Metrics {
		out.Metrics[m.Key] = m.Value
	}
	if out.RunName == "" {
		for _, t := range r.Data.Tags {
			if t.Key == "mlflow.runName" {
				out.RunName = t.Value
			}
		}
	}
	return out
}

// SearchRunsRequest is the body of POST /runs/search.
type SearchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	Filter        string   `json:"filter,omitempty"`
	RunViewType   string   `json:"run_view_type,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	OrderBy       []string `json:"order_by,omitempty"`
	PageToken     string   `json:"page_token,omitempty"`
}

type searchRunsResponse struct {
	Runs          []run  `json:"runs"`
	NextPageToken string `json:"next_page_token"`
}

// SearchRuns calls POST /runs/search and follows the page token until the
// result set is exhausted.
func (c *TrackingClient) SearchRuns(ctx context.Context, req SearchRunsRequest) ([]*datamodel.Run, error) {
	if req.MaxResults <= 0 {
		req.MaxResults = searchPageSize
	}
	if req.RunViewType == "" {
		req.RunViewType = "ACTIVE_ONLY"
	}

	var runs []*datamodel.Run
	for {
		var resp searchRunsResponse
		if err := c.do(ctx, http.MethodPost, "/runs/search", req, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Runs {
			runs = append(runs, r.toDatamodel())
		}
		if resp.NextPageToken == "" {
			return runs, nil
		}
		req.PageToken = resp.NextPageToken
	}
}

// ListFinishedRuns returns every finished run of an experiment.
func (c *TrackingClient) ListFinishedRuns(ctx context.Context, experimentID string) ([]*datamodel.Run, error) {
	return c.SearchRuns(ctx, SearchRunsRequest{
		ExperimentIDs: []string{experimentID},
		Filter:        fmt.Sprintf("attributes.status = '%s'", RunStatusFinished),
	})
}

type getRunResponse struct {
	Run run `json:"run"`
}

// GetRun calls GET /runs/get.
func (c *TrackingClient) GetRun(ctx context.Context, runID string) (*datamodel.Run, error) {
	var resp getRunResponse
	if err := c.do(ctx, http.MethodGet, "/runs/get?run_id="+url.QueryEscape(runID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Run.toDatamodel(), nil
}

type modelVersionsResponse struct {
	ModelVersions []datamodel.ModelVersion `json:"model_versions"`
}

// GetLatestVersions calls POST /registered-models/get-latest-versions.
func (c *TrackingClient) GetLatestVersions(ctx context.Context, name string, stages ...string) ([]datamodel.ModelVersion, error) {
	var resp modelVersionsResponse
	body := map[string]any{"name": name, "stages": stages}
	if err := c.do(ctx, http.MethodPost, "/registered-models/get-latest-versions", body, &resp); err != nil {
		return nil, err
	}
	return resp.ModelVersions, nil
}

// RegisteredModel is a named model of the registry.
type RegisteredModel struct {
	Name           string                   `json:"name"`
	LatestVersions []datamodel.ModelVersion `json:"latest_versions"`
}

type registeredModelResponse struct {
	RegisteredModel RegisteredModel `json:"registered_model"`
}

// GetRegisteredModel calls GET /registered-models/get.
func (c *TrackingClient) GetRegisteredModel(ctx context.Context, name string) (*RegisteredModel, error) {
	var resp registeredModelResponse
	if err := c.do(ctx, http.MethodGet, "/registered-models/get?name="+url.QueryEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.RegisteredModel, nil
}

// CreateRegisteredModel calls POST /registered-models/create.
func (c *TrackingClient) CreateRegisteredModel(ctx context.Context, name string) (*RegisteredModel, error) {
	var resp registeredModelResponse
	if err := c.do(ctx, http.MethodPost, "/registered-models/create", map[string]string{"name": name}, &resp); err != nil {
		return nil, err
	}
	return &resp.RegisteredModel, nil
}

type modelVersionResponse struct {
	ModelVersion datamodel.ModelVersion `json:"model_version"`
}

// CreateModelVersion calls POST /model-versions/create.
func (c *TrackingClient) CreateModelVersion(ctx context.Context, name, source, runID string) (*datamodel.ModelVersion, error) {
	var resp modelVersionResponse
	body := map[string]string{"name": name, "source": source, "run_id": runID}
	if err := c.do(ctx, http.MethodPost, "/model-versions/create", body, &resp); err != nil {
		return nil, err
	}
	return &resp.ModelVersion, nil
}

// TransitionModelVersionStage calls POST /model-versions/transition-stage.
func (c *TrackingClient) TransitionModelVersionStage(ctx context.Context, name, version, stage string, archiveExisting bool) (*datamodel.ModelVersion, error) {
	var resp modelVersionResponse
	body := map[string]any{
		"name":                      name,
		"version":                   version,
		"stage":                     stage,
		"archive_existing_versions": archiveExisting,
	}
	if err := c.do(ctx, http.MethodPost, "/model-versions/transition-stage", body, &resp); err != nil {
		return nil, err
	}
	return &resp.ModelVersion, nil
}

// FileInfo is an entry of an artifact directory listing.
type FileInfo struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	FileSize int64  `json:"file_size"`
}

type listArtifactsResponse struct {
	Files []FileInfo `json:"files"`
}

// ListArtifacts lists a directory of the proxied artifact store. path is
// relative to the artifact root, e.g. "1/<run_id>/artifacts/model".
func (c *TrackingClient) ListArtifacts(ctx context.Context, path string) ([]FileInfo, error) {
	var resp listArtifactsResponse
	apiErr := &APIError{}
	r, err := c.R().SetContext(ctx).
		ForceContentType("application/json").
		SetQueryParam("path", strings.Trim(path, "/")).
		SetResult(&resp).
		SetError(apiErr).
		Get(artifactPrefix)
	if err != nil {
		return nil, fmt.Errorf("couldn't connect with tracking server: %w", err)
	}
	if r.IsError() {
		apiErr.StatusCode = r.StatusCode()
		return nil, apiErr
	}
	return resp.Files, nil
}

// DownloadArtifact streams a single proxied artifact file into w.
func (c *TrackingClient) DownloadArtifact(ctx context.Context, path string, w io.Writer) error {
	r, err := c.R().SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(artifactPrefix + "/" + strings.Trim(path, "/"))
	if err != nil {
		return fmt.Errorf("couldn't download artifact %s: %w", path, err)
	}
	body := r.RawBody()
	defer body.Close()

	if r.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(body, 1024))
		return &APIError{StatusCode: r.StatusCode(), Message: strings.TrimSpace(string(msg))}
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("couldn't read artifact %s: %w", path, err)
	}
	return nil
}
