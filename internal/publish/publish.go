// Package publish uploads build artifacts to S3-compatible object storage.
package publish

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds object storage settings.
type Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Region    string `yaml:"region" mapstructure:"region"`
	Secure    bool   `yaml:"secure" mapstructure:"secure"`
}

// Enabled reports whether an endpoint and bucket are configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type putter interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Uploader puts files under <prefix>/<run id>/<file name>.
type Uploader struct {
	client      putter
	bucket      string
	prefix      string
	concurrency int
}

// New creates an Uploader with a minio client.
func New(cfg Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, eris.New("publish: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, eris.Wrap(err, "publish: create client")
	}
	return newUploader(client, cfg), nil
}

func newUploader(client putter, cfg Config) *Uploader {
	return &Uploader{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		concurrency: 4,
	}
}

// Key returns the object key for a file of a run.
func (u *Uploader) Key(runID, file string) string {
	return path.Join(u.prefix, runID, filepath.Base(file))
}

// Upload puts every file and returns their keys in input order.
func (u *Uploader) Upload(ctx context.Context, runID string, files []string) ([]string, error) {
	keys := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for i, file := range files {
		i, file := i, file
		keys[i] = u.Key(runID, file)
		g.Go(func() error {
			return u.put(gctx, file, keys[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (u *Uploader) put(ctx context.Context, file, key string) error {
	fh, err := os.Open(file)
	if err != nil {
		return eris.Wrapf(err, "publish: open %s", file)
	}
	defer fh.Close() //nolint:errcheck

	info, err := fh.Stat()
	if err != nil {
		return eris.Wrapf(err, "publish: stat %s", file)
	}

	up, err := u.client.PutObject(ctx, u.bucket, key, fh, info.Size(), minio.PutObjectOptions{
		ContentType: contentType(file),
	})
	if err != nil {
		return eris.Wrapf(err, "publish: put %s", key)
	}
	zap.L().Info("publish: uploaded",
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("bytes", up.Size),
	)
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
