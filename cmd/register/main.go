package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/config"
	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/resolver"

	httpclient "github.com/instill-ai/mnist-backend/pkg/client/http"
)

const topRuns = 3

func main() {
	confirm := flag.Bool("confirm", false, "register the best run; without it the command only reports")
	configPath := config.ParseConfigFlag()
	if !config.ConfigFileExists(configPath) {
		configPath = ""
	}
	if err := config.Init(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	client := httpclient.NewTrackingClient(ctx, config.Config.MLflow.TrackingURI, httpclient.Options{
		Timeout:    config.Config.MLflow.Timeout,
		RetryCount: config.Config.MLflow.RetryCount,
	})

	m := config.Config.Model
	best, err := bestRun(ctx, client, m.FallbackExperiment, m.Metric)
	if err != nil {
		logger.Fatal("finding the best run", zap.Error(err))
	}

	if !*confirm {
		fmt.Println("Dry run, pass -confirm to register the best run.")
		return
	}

	version, err := register(ctx, client, best, m.RegistryName, m.RegistryStage, m.ArtifactPath)
	if err != nil {
		logger.Fatal("registering the model", zap.Error(err))
	}
	logger.Info("model registered",
		zap.String("name", version.Name),
		zap.String("version", version.Version),
		zap.String("stage", version.CurrentStage),
		zap.String("run_id", best.RunID))
}

func bestRun(ctx context.Context, client *httpclient.TrackingClient, experiment, metric string) (*datamodel.Run, error) {
	exp, err := client.GetExperimentByName(ctx, experiment)
	if err != nil {
		return nil, fmt.Errorf("experiment %q: %w", experiment, err)
	}
	runs, err := client.ListFinishedRuns(ctx, exp.ExperimentID)
	if err != nil {
		return nil, err
	}
	ranked := resolver.RankRuns(runs, metric)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no finished run of experiment %q records %s", experiment, metric)
	}

	fmt.Printf("Experiment %s (%s): %d finished runs, %d scored\n\n", experiment, exp.ExperimentID, len(runs), len(ranked))
	for i, r := range ranked[:min(topRuns, len(ranked))] {
		v, _ := r.Metric(metric)
		fmt.Printf("%d. %s\n   %s: %.4f | run %s\n", i+1, runName(r), metric, v, r.RunID)
	}
	fmt.Println()
	return ranked[0], nil
}

func runName(r *datamodel.Run) string {
	if r.RunName == "" {
		return "Unknown"
	}
	return r.RunName
}

func register(ctx context.Context, client *httpclient.TrackingClient, run *datamodel.Run, name, stage, artifactPath string) (*datamodel.ModelVersion, error) {
	if _, err := client.GetRegisteredModel(ctx, name); err != nil {
		if !errors.Is(err, httpclient.ErrNotFound) {
			return nil, err
		}
		if _, err := client.CreateRegisteredModel(ctx, name); err != nil {
			return nil, fmt.Errorf("creating registered model %q: %w", name, err)
		}
	}

	source := resolver.RunArtifactURI(run.RunID, artifactPath)
	if run.ArtifactURI != "" {
		source = strings.TrimSuffix(run.ArtifactURI, "/") + "/" + strings.Trim(artifactPath, "/")
	}

	version, err := client.CreateModelVersion(ctx, name, source, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("creating model version from %s: %w", source, err)
	}
	return client.TransitionModelVersionStage(ctx, name, version.Version, stage, true)
}
