package minio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/config"

	log "github.com/instill-ai/mnist-backend/pkg/logger"
)

// MinioI downloads model artifacts from an s3 compatible store.
type MinioI interface {
	GetClient() *minio.Client
	GetFile(ctx context.Context, bucket, objectName string) ([]byte, error)
	DownloadPrefix(ctx context.Context, bucket, prefix, dstDir string) (int, error)
}

// Minio wraps a minio client.
type Minio struct {
	client *minio.Client
}

// NewMinioClient returns a client for the configured endpoint. No bucket is
// created: artifacts are written by the tracking server.
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (*Minio, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Host + ":" + cfg.Port
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.RootUser, cfg.RootPwd, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		logger.Error("cannot connect to minio",
			zap.String("host:port", endpoint),
			zap.String("user", cfg.RootUser),
			zap.Error(err))
		return nil, err
	}

	return &Minio{client: client}, nil
}

func (m *Minio) GetClient() *minio.Client {
	return m.client
}

// GetFile reads a single object.
func (m *Minio) GetFile(ctx context.Context, bucket, objectName string) ([]byte, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}

	object, err := m.client.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		logger.Error("Failed to get file from MinIO", zap.Error(err))
		return nil, err
	}
	defer object.Close()

	buf, err := io.ReadAll(object)
	if err != nil {
		logger.Error("Failed to read file from MinIO", zap.Error(err))
		return nil, err
	}

	return buf, nil
}

// DownloadPrefix copies every object under prefix into dstDir, keeping the
// relative layout. It returns the number of downloaded objects.
func (m *Minio) DownloadPrefix(ctx context.Context, bucket, prefix, dstDir string) (int, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return 0, err
	}

	prefix = strings.Trim(prefix, "/")
	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}

	count := 0
	for obj := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return count, obj.Err
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}

		rel := strings.TrimPrefix(obj.Key, listPrefix)
		dst := filepath.Join(dstDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(dst, filepath.Clean(dstDir)+string(os.PathSeparator)) {
			return count, fmt.Errorf("object key %q escapes the destination", obj.Key)
		}
		if err := m.client.FGetObject(ctx, bucket, obj.Key, dst, minio.GetObjectOptions{}); err != nil {
			logger.Error("Failed to download object from MinIO", zap.String("key", obj.Key), zap.Error(err))
			return count, err
		}
		count++
	}

	return count, nil
}
