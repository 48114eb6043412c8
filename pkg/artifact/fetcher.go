package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"

	httpclient "github.com/instill-ai/mnist-backend/pkg/client/http"
)

const completeMarker = ".complete"

// Tracking is the part of the tracking client the fetcher needs.
type Tracking interface {
	GetRun(ctx context.Context, runID string) (*datamodel.Run, error)
	ListArtifacts(ctx context.Context, path string) ([]httpclient.FileInfo, error)
	DownloadArtifact(ctx context.Context, path string, w io.Writer) error
}

// ObjectStore downloads a prefix of an s3 bucket.
type ObjectStore interface {
	DownloadPrefix(ctx context.Context, bucket, prefix, dstDir string) (int, error)
}

// Fetcher materialises artifact URIs as local directories.
type Fetcher struct {
	tracking Tracking
	store    ObjectStore
	cacheDir string
	reuse    bool
}

// NewFetcher returns a fetcher downloading into cacheDir. store may be nil
// when no s3 endpoint is configured. With reuse set a completed download is
// served from the cache.
func NewFetcher(tracking Tracking, store ObjectStore, cacheDir string, reuse bool) *Fetcher {
	return &Fetcher{
		tracking: tracking,
		store:    store,
		cacheDir: cacheDir,
		reuse:    reuse,
	}
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Fetch returns a local directory (or file) holding the artifact at uri.
// Remote artifacts are stored under the cache directory in a folder named
// after cacheKey.
func (f *Fetcher) Fetch(ctx context.Context, uri, cacheKey string) (string, error) {
	if uri == "" {
		return "", errors.Wrap(ErrUnsupportedURI, "empty uri")
	}

	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// a plain path, possibly with a windows drive letter
		return localPath(uri)
	}

	switch u.Scheme {
	case "file":
		return localPath(u.Path)
	case "runs":
		return f.fetchRun(ctx, u, cacheKey)
	case "mlflow-artifacts":
		return f.cached(ctx, cacheKey, func(dst string) error {
			return f.downloadProxied(ctx, strings.Trim(u.Path, "/"), dst)
		})
	case "s3":
		if f.store == nil {
			return "", errors.Wrapf(ErrUnsupportedURI, "%s: no object store configured", uri)
		}
		return f.cached(ctx, cacheKey, func(dst string) error {
			n, err := f.store.DownloadPrefix(ctx, u.Host, u.Path, dst)
			if err != nil {
				return err
			}
			if n == 0 {
				return errors.Wrapf(ErrNoArtifacts, "%s", uri)
			}
			return nil
		})
	default:
		return "", errors.Wrapf(ErrUnsupportedURI, "%s", uri)
	}
}

func localPath(p string) (string, error) {
	if _, err := os.Stat(p); err != nil {
		return "", errors.Wrapf(err, "artifact path %s", p)
	}
	return p, nil
}

// fetchRun resolves runs:/<run_id>/<path> against the run's artifact root.
func (f *Fetcher) fetchRun(ctx context.Context, u *url.URL, cacheKey string) (string, error) {
	rest := strings.TrimPrefix(strings.TrimPrefix(u.Opaque+u.Host+u.Path, "/"), "/")
	runID, rel, _ := strings.Cut(rest, "/")
	if runID == "" {
		return "", errors.Wrapf(ErrUnsupportedURI, "%s: missing run id", u.String())
	}

	run, err := f.tracking.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.ArtifactURI == "" {
		return "", errors.Wrapf(ErrNoArtifacts, "run %s has no artifact uri", runID)
	}

	target := strings.TrimSuffix(run.ArtifactURI, "/")
	if rel != "" {
		target += "/" + rel
	}
	return f.Fetch(ctx, target, cacheKey)
}

// cached runs download into a temporary directory and moves it into place.
func (f *Fetcher) cached(ctx context.Context, cacheKey string, download func(dst string) error) (string, error) {
	logger, _ := logger.GetZapLogger(ctx)

	key := unsafeKey.ReplaceAllString(cacheKey, "_")
	if key == "" {
		key = "default"
	}
	dir := filepath.Join(f.cacheDir, key)

	if f.reuse {
		if _, err := os.Stat(filepath.Join(dir, completeMarker)); err == nil {
			logger.Debug("artifact cache hit", zap.String("dir", dir))
			return dir, nil
		}
	}

	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create cache dir %s", f.cacheDir)
	}
	tmp, err := os.MkdirTemp(f.cacheDir, ".download-"+key+"-")
	if err != nil {
		return "", errors.Wrapf(err, "create temp dir in %s", f.cacheDir)
	}
	defer os.RemoveAll(tmp)

	if err := download(tmp); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(tmp, completeMarker), nil, 0o644); err != nil {
		return "", errors.Wrap(err, "write cache marker")
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", errors.Wrapf(err, "clear cache dir %s", dir)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return "", errors.Wrapf(err, "move artifact into %s", dir)
	}

	logger.Info("artifact downloaded", zap.String("dir", dir))
	return dir, nil
}

// downloadProxied mirrors a directory of the tracking server artifact proxy.
func (f *Fetcher) downloadProxied(ctx context.Context, remote, dst string) error {
	files, err := f.tracking.ListArtifacts(ctx, remote)
	if err != nil {
		return fmt.Errorf("list artifacts %s: %w", remote, err)
	}
	if len(files) == 0 {
		return errors.Wrapf(ErrNoArtifacts, "%s", remote)
	}

	for _, fi := range files {
		name := path.Base(fi.Path)
		if name == "." || name == ".." || name == "/" {
			continue
		}
		remotePath := path.Join(remote, name)
		localPath := filepath.Join(dst, name)

		if fi.IsDir {
			if err := os.MkdirAll(localPath, 0o755); err != nil {
				return errors.Wrapf(err, "create %s", localPath)
			}
			if err := f.downloadProxied(ctx, remotePath, localPath); err != nil && !errors.Is(err, ErrNoArtifacts) {
				return err
			}
			continue
		}

		if err := f.downloadFile(ctx, remotePath, localPath); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fetcher) downloadFile(ctx context.Context, remote, local string) error {
	out, err := os.Create(local)
	if err != nil {
		return errors.Wrapf(err, "create %s", local)
	}
	defer out.Close()

	if err := f.tracking.DownloadArtifact(ctx, remote, out); err != nil {
		return fmt.Errorf("download artifact %s: %w", remote, err)
	}
	return errors.Wrapf(out.Close(), "close %s", local)
}
