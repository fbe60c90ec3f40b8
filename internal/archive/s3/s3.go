// Package s3 stores archive objects in Amazon S3 or any S3-compatible
// service (MinIO, Akave O3, R2).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"eventlake/internal/archive"
	"eventlake/internal/logging"
)

// Backend uploads to one bucket, optionally under a key prefix.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ archive.Backend = (*Backend)(nil)

// NewFactory returns a factory reading:
//
//	bucket     (required)
//	prefix     key prefix
//	region     defaults to us-east-1 when endpoint is set
//	endpoint   custom endpoint; enables path-style addressing
//	access_key / secret_key  static credentials; default chain otherwise
//	create_bucket  "true" to create the bucket when missing
func NewFactory() archive.Factory {
	return func(ctx context.Context, params map[string]string, logger *slog.Logger) (archive.Backend, error) {
		bucket := params["bucket"]
		if bucket == "" {
			return nil, errors.New("s3 archive: bucket parameter required")
		}
		var opts []func(*awsconfig.LoadOptions) error
		region := params["region"]
		if region == "" && params["endpoint"] != "" {
			region = "us-east-1"
		}
		if region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if ak, sk := params["access_key"], params["secret_key"]; ak != "" && sk != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(ak, sk, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if ep := params["endpoint"]; ep != "" {
				o.BaseEndpoint = aws.String(ep)
				o.UsePathStyle = true
			}
		})
		b := &Backend{
			client: client,
			bucket: bucket,
			prefix: strings.Trim(params["prefix"], "/"),
			logger: logging.Default(logger).With("component", "archive-s3", "bucket", bucket),
		}
		if params["create_bucket"] == "true" {
			if err := b.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
}

// EnsureBucket creates the bucket when HeadBucket fails.
func (b *Backend) EnsureBucket(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err == nil {
		return nil
	}
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	b.logger.Info("bucket created")
	return nil
}

func (b *Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Put uploads content and returns an s3:// URI.
func (b *Backend) Put(ctx context.Context, key string, content []byte) (string, error) {
	k := b.objectKey(key)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(k),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
		ContentType:   aws.String(archive.ContentType(key)),
	})
	if err != nil {
		return "", err
	}
	return "s3://" + b.bucket + "/" + k, nil
}

// Get downloads an object by s3:// URI.
func (b *Backend) Get(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := archive.ParseURI(locator, "s3")
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
