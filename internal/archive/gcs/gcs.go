// Package gcs stores archive objects in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"eventlake/internal/archive"
	"eventlake/internal/logging"
)

// Backend uploads to one bucket.
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ archive.Backend = (*Backend)(nil)

// NewFactory returns a factory reading:
//
//	bucket            (required)
//	prefix            key prefix
//	credentials_file  service account JSON; application default otherwise
//	endpoint          custom endpoint (fake-gcs-server in development)
func NewFactory() archive.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		bucket := params["bucket"]
		if bucket == "" {
			return nil, errors.New("gcs archive: bucket parameter required")
		}
		var opts []option.ClientOption
		if f := params["credentials_file"]; f != "" {
			opts = append(opts, option.WithCredentialsFile(f))
		}
		if ep := params["endpoint"]; ep != "" {
			opts = append(opts, option.WithEndpoint(ep), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return &Backend{
			client: client,
			bucket: bucket,
			prefix: strings.Trim(params["prefix"], "/"),
			logger: logging.Default(logger).With("component", "archive-gcs", "bucket", bucket),
		}, nil
	}
}

// Put uploads content and returns a gs:// URI.
func (b *Backend) Put(ctx context.Context, key string, content []byte) (string, error) {
	if b.prefix != "" {
		key = b.prefix + "/" + key
	}
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = archive.ContentType(key)
	if _, err := w.Write(content); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return "gs://" + b.bucket + "/" + key, nil
}

// Get downloads an object by gs:// URI.
func (b *Backend) Get(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := archive.ParseURI(locator, "gs")
	if err != nil {
		return nil, err
	}
	r, err := b.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Close releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
