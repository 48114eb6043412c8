// Package main implements a client for the prediction service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/mnist-backend/pkg/constant"
	"github.com/instill-ai/mnist-backend/pkg/datamodel"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "server address")
	imagePath := flag.String("image", "", "image of a digit to classify")
	checkHealth := flag.Bool("health", false, "query the gRPC health service first")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	if *checkHealth {
		status, err := servingStatus(ctx, *addr)
		if err != nil {
			log.Fatalf("health check: %v", err)
		}
		fmt.Println("serving status:", status)
	}

	if *imagePath == "" {
		return
	}

	res, err := predict(ctx, *addr, *imagePath)
	if err != nil {
		log.Fatal(err)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

func servingStatus(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errors.Wrapf(err, "did not connect to %s", addr)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func predict(ctx context.Context, addr, imagePath string) (*datamodel.PredictionResult, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, errors.Wrapf(err, "failed to open file")
	}

	var res datamodel.PredictionResult
	var problem datamodel.Error
	resp, err := resty.New().R().
		SetContext(ctx).
		SetFile(constant.UploadFormField, imagePath).
		SetResult(&res).
		SetError(&problem).
		Post(fmt.Sprintf("http://%s/predict/upload", addr))
	if err != nil {
		return nil, errors.Wrapf(err, "errored while uploading %s", imagePath)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%d %s: %s", problem.Status, problem.Title, problem.Detail)
	}
	return &res, nil
}
