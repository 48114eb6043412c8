package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/instill-ai/mnist-backend/config"
	"github.com/instill-ai/mnist-backend/pkg/datamodel"
)

// Tracking is the part of the tracking server the strategies query.
type Tracking interface {
	GetLatestVersions(ctx context.Context, name string, stages ...string) ([]datamodel.ModelVersion, error)
	GetExperimentByName(ctx context.Context, name string) (*datamodel.Experiment, error)
	ListFinishedRuns(ctx context.Context, experimentID string) ([]*datamodel.Run, error)
}

// Fetcher materialises an artifact URI as a local path.
type Fetcher interface {
	Fetch(ctx context.Context, uri, cacheKey string) (string, error)
}

// Loader turns a local artifact into a predictor.
type Loader interface {
	Load(ctx context.Context, path string) (datamodel.Predictor, error)
}

// Strategy is one candidate model source.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context) (*datamodel.ResolvedModel, error)
}

// Config selects and parameterises the strategies.
type Config struct {
	BakedPath           string
	RegistryName        string
	RegistryStage       string
	FallbackExperiment  string
	AllowFallbackSearch bool
	PerSourceTimeout    time.Duration
	Metric              string
	ArtifactPath        string
}

// ConfigFromModel maps the model configuration section.
func ConfigFromModel(m config.ModelConfig) Config {
	return Config{
		BakedPath:           m.BakedPath,
		RegistryName:        m.RegistryName,
		RegistryStage:       m.RegistryStage,
		FallbackExperiment:  m.FallbackExperiment,
		AllowFallbackSearch: m.AllowFallbackSearch,
		PerSourceTimeout:    m.SourceTimeout(),
		Metric:              m.Metric,
		ArtifactPath:        m.ArtifactPath,
	}
}

// Deps are the collaborators of the strategies. Tracking and Fetcher may be
// nil when only a baked path is served.
type Deps struct {
	Tracking Tracking
	Fetcher  Fetcher
	Loader   Loader
}

// NewStrategies returns the configured sources in priority order: baked
// path, registry, experiment run.
func NewStrategies(cfg Config, deps Deps) []Strategy {
	var s []Strategy
	if cfg.BakedPath != "" {
		s = append(s, &BakedPathStrategy{Path: cfg.BakedPath, Loader: deps.Loader})
	}
	if cfg.RegistryName != "" && deps.Tracking != nil {
		s = append(s, &RegistryStrategy{
			Model:    cfg.RegistryName,
			Stage:    cfg.RegistryStage,
			Tracking: deps.Tracking,
			Fetcher:  deps.Fetcher,
			Loader:   deps.Loader,
		})
	}
	if cfg.AllowFallbackSearch && cfg.FallbackExperiment != "" && deps.Tracking != nil {
		s = append(s, &ExperimentRunStrategy{
			Experiment:   cfg.FallbackExperiment,
			Metric:       cfg.Metric,
			ArtifactPath: cfg.ArtifactPath,
			Tracking:     deps.Tracking,
			Fetcher:      deps.Fetcher,
			Loader:       deps.Loader,
		})
	}
	return s
}

// BakedPathStrategy loads a model shipped with the deployment.
type BakedPathStrategy struct {
	Path   string
	Loader Loader
}

func (b *BakedPathStrategy) Name() string { return string(datamodel.SourceKindBakedPath) }

func (b *BakedPathStrategy) Attempt(ctx context.Context) (*datamodel.ResolvedModel, error) {
	p, err := b.Loader.Load(ctx, b.Path)
	if err != nil {
		return nil, err
	}
	return &datamodel.ResolvedModel{
		Predictor:   p,
		Source:      datamodel.BakedPathSource{Path: b.Path},
		Version:     "local:" + filepath.Base(filepath.Clean(b.Path)),
		ArtifactDir: b.Path,
		ResolvedAt:  time.Now(),
	}, nil
}

// RegistryStrategy loads the latest registry version at a stage.
type RegistryStrategy struct {
	Model    string
	Stage    string
	Tracking Tracking
	Fetcher  Fetcher
	Loader   Loader
}

func (r *RegistryStrategy) Name() string { return string(datamodel.SourceKindRegistry) }

func (r *RegistryStrategy) Attempt(ctx context.Context) (*datamodel.ResolvedModel, error) {
	versions, err := r.Tracking.GetLatestVersions(ctx, r.Model, r.Stage)
	if err != nil {
		return nil, fmt.Errorf("registry lookup %s/%s: %w", r.Model, r.Stage, err)
	}
	mv := latest(versions, r.Stage)
	if mv == nil {
		return nil, fmt.Errorf("no version of %s at stage %s", r.Model, r.Stage)
	}

	dir, err := r.Fetcher.Fetch(ctx, mv.Source, fmt.Sprintf("registry-%s-v%s", r.Model, mv.Version))
	if err != nil {
		return nil, err
	}
	p, err := r.Loader.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &datamodel.ResolvedModel{
		Predictor:   p,
		Source:      datamodel.RegistrySource{Name: r.Model, Stage: r.Stage},
		Version:     mv.Version,
		ArtifactDir: dir,
		ResolvedAt:  time.Now(),
	}, nil
}

// latest picks the highest numbered version at stage.
func latest(versions []datamodel.ModelVersion, stage string) *datamodel.ModelVersion {
	var best *datamodel.ModelVersion
	bestN := int64(-1)
	for i := range versions {
		mv := &versions[i]
		if mv.CurrentStage != "" && !strings.EqualFold(mv.CurrentStage, stage) {
			continue
		}
		n, err := strconv.ParseInt(mv.Version, 10, 64)
		if err != nil {
			n = 0
		}
		if best == nil || n > bestN {
			best, bestN = mv, n
		}
	}
	return best
}

// ExperimentRunStrategy loads the best finished run of an experiment.
type ExperimentRunStrategy struct {
	Experiment   string
	Metric       string
	ArtifactPath string
	Tracking     Tracking
	Fetcher      Fetcher
	Loader       Loader
}

func (e *ExperimentRunStrategy) Name() string { return string(datamodel.SourceKindExperimentRun) }

func (e *ExperimentRunStrategy) Attempt(ctx context.Context) (*datamodel.ResolvedModel, error) {
	exp, err := e.Tracking.GetExperimentByName(ctx, e.Experiment)
	if err != nil {
		return nil, fmt.Errorf("experiment %s: %w", e.Experiment, err)
	}
	runs, err := e.Tracking.ListFinishedRuns(ctx, exp.ExperimentID)
	if err != nil {
		return nil, fmt.Errorf("search runs of %s: %w", e.Experiment, err)
	}
	ranked := RankRuns(runs, e.Metric)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no finished run of %s recorded %s", e.Experiment, e.Metric)
	}
	best := ranked[0]

	dir, err := e.Fetcher.Fetch(ctx, RunArtifactURI(best.RunID, e.ArtifactPath), "run-"+best.RunID)
	if err != nil {
		return nil, err
	}
	p, err := e.Loader.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &datamodel.ResolvedModel{
		Predictor:   p,
		Source:      datamodel.ExperimentRunSource{ExperimentName: e.Experiment, RunID: best.RunID},
		Version:     "run:" + best.RunID,
		ArtifactDir: dir,
		ResolvedAt:  time.Now(),
	}, nil
}

// RunArtifactURI returns the runs:/ URI of an artifact path of a run.
func RunArtifactURI(runID, artifactPath string) string {
	return "runs:/" + runID + "/" + strings.Trim(artifactPath, "/")
}
