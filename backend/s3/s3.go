// Package s3 implements an object-store backend on any S3-compatible bucket.
//
// Keys map to object names with key.ObjectPath, so curated and user-generated
// artifacts live in separate sub-trees under the configured prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

// API is the subset of *s3.Client used by the backend.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Replaced in tests.
var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Config describes a bucket.
type Config struct {
	Name     string
	Bucket   string
	Region   string
	Endpoint string // override for MinIO and other S3-compatible stores
	Prefix   string // root prefix inside the bucket
	// PathStyle addresses the bucket in the URL path instead of the host.
	PathStyle bool
	// Static credentials. When AccessKeyID is empty the default AWS
	// credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	// Timeout bounds each request. Zero leaves requests unbounded.
	Timeout time.Duration
}

// Backend stores artifacts as objects in one bucket.
type Backend struct {
	name    string
	bucket  string
	prefix  string
	timeout time.Duration
	api     API
	logger  *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithAPI replaces the S3 client, mainly for tests.
func WithAPI(api API) Option {
	return func(b *Backend) {
		b.api = api
	}
}

// New builds a backend from cfg. Unless WithAPI is given, an S3 client is
// created from the default AWS configuration with cfg's overrides applied.
func New(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	b := &Backend{
		name:    cfg.Name,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
	}
	if b.name == "" {
		b.name = "s3:" + cfg.Bucket
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.api != nil {
		return b, nil
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	b.api = newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return b, nil
}

func (b *Backend) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.name }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindObjectStore }

// ObjectKey returns the object name for k.
func (b *Backend) ObjectKey(k key.Key) string {
	return key.ObjectPath(b.prefix, k)
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Exists implements backend.Backend.
func (b *Backend) Exists(ctx context.Context, k key.Key) (bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.ObjectKey(k)),
	})
	if err == nil {
		return true, nil
	}
	mapped := b.mapError("exists", k, err)
	if errors.Is(mapped, backend.ErrNotFound) {
		return false, nil
	}
	return false, mapped
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(ctx context.Context, k key.Key, w io.Writer, fn backend.ProgressFunc) (int64, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.ObjectKey(k)),
	})
	if err != nil {
		return 0, b.mapError("fetch", k, err)
	}
	defer out.Body.Close()

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	n, err := backend.Copy(ctx, w, out.Body, total, fn)
	if err != nil {
		return n, backend.NewError(b.name, "fetch", k, backend.ErrTransport, err)
	}
	if total >= 0 && n != total {
		return n, backend.NewError(b.name, "fetch", k, backend.ErrTransport,
			fmt.Errorf("short body: got %d of %d bytes", n, total))
	}
	b.log().Debug("fetched object", "backend", b.name, "key", k.String(), "bytes", n)
	return n, nil
}

// Store implements backend.Backend. Sources that are not seekable, or whose
// size is unknown, are buffered so the request can be signed.
func (b *Backend) Store(ctx context.Context, k key.Key, r io.Reader, size int64) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	body, isSeeker := r.(io.ReadSeeker)
	if !isSeeker || size < 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return backend.NewError(b.name, "store", k, backend.ErrTransport, err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.ObjectKey(k)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return b.mapError("store", k, err)
	}
	b.log().Debug("stored object", "backend", b.name, "key", k.String(), "bytes", size)
	return nil
}

// Delete implements backend.Backend. S3 deletes are idempotent, so the
// object is checked first to report NotFound for a missing key.
func (b *Backend) Delete(ctx context.Context, k key.Key) error {
	ok, err := b.Exists(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return backend.NewError(b.name, "delete", k, backend.ErrNotFound, nil)
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err = b.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.ObjectKey(k)),
	})
	if err != nil {
		return b.mapError("delete", k, err)
	}
	return nil
}

// mapError classifies an SDK error into the backend error kinds.
func (b *Backend) mapError(op string, k key.Key, err error) error {
	return backend.NewError(b.name, op, k, classify(err), err)
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return backend.ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return backend.ErrAuth
		case "QuotaExceeded", "EntityTooLarge", "InsufficientStorage", "XMinioStorageFull":
			return backend.ErrQuota
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return backend.ErrNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return backend.ErrAuth
		case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
			return backend.ErrQuota
		}
	}
	return backend.ErrTransport
}

var _ backend.Backend = (*Backend)(nil)
