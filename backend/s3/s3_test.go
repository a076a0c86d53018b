package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/key"
)

// fakeAPI is an in-memory bucket.
type fakeAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error // returned by every call when set
	deletes int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeAPI) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.deletes++
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestBackend(t *testing.T, api *fakeAPI) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{Name: "bucket", Bucket: "sims", Prefix: "results"}, WithAPI(api))
	require.NoError(t, err)
	return b
}

func TestObjectKeyNamespacing(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, newFakeAPI())
	assert.Equal(t, "results/v1/C.1/base.Rdata", b.ObjectKey(key.MustParse("C.1/v1/base.Rdata")))
	assert.Equal(t, "results/custom/v1/C.1/mine.Rdata", b.ObjectKey(key.MustParse("C.1/custom/v1/mine.Rdata")))
}

func TestStoreFetchExistsDelete(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	b := newTestBackend(t, api)
	ctx := context.Background()
	k := key.MustParse("C.1/v1/base.Rdata")

	ok, err := b.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Store(ctx, k, strings.NewReader("simulation bytes"), -1))
	assert.Contains(t, api.objects, "results/v1/C.1/base.Rdata")

	ok, err = b.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	var buf bytes.Buffer
	var last [2]int64
	n, err := b.Fetch(ctx, k, &buf, func(done, total int64) { last = [2]int64{done, total} })
	require.NoError(t, err)
	assert.Equal(t, int64(16), n)
	assert.Equal(t, "simulation bytes", buf.String())
	assert.Equal(t, [2]int64{16, 16}, last)

	require.NoError(t, b.Delete(ctx, k))
	err = b.Delete(ctx, k)
	require.ErrorIs(t, err, backend.ErrNotFound)
	assert.Equal(t, 1, api.deletes, "a missing key must not reach DeleteObject")
}

func TestFetchMissing(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, newFakeAPI())
	_, err := b.Fetch(context.Background(), key.MustParse("C.1/v1/none.Rdata"), io.Discard, nil)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", backend.ErrNotFound},
		{"AccessDenied", backend.ErrAuth},
		{"ExpiredToken", backend.ErrAuth},
		{"SignatureDoesNotMatch", backend.ErrAuth},
		{"QuotaExceeded", backend.ErrQuota},
		{"EntityTooLarge", backend.ErrQuota},
		{"SlowDown", backend.ErrTransport},
		{"InternalError", backend.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classify(&smithy.GenericAPIError{Code: tt.code}))
		})
	}
	assert.Equal(t, backend.ErrTransport, classify(errors.New("dial tcp: connection refused")))
}

func TestExistsSurfacesTransportErrors(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.err = errors.New("dial tcp: connection refused")
	b := newTestBackend(t, api)

	_, err := b.Exists(context.Background(), key.MustParse("C.1/v1/base.Rdata"))
	require.ErrorIs(t, err, backend.ErrTransport)

	api.err = &smithy.GenericAPIError{Code: "AccessDenied"}
	err = b.Store(context.Background(), key.MustParse("C.1/v1/base.Rdata"), strings.NewReader("x"), 1)
	require.ErrorIs(t, err, backend.ErrAuth)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

//nolint:paralleltest // swaps package-level constructors
func TestNewLoadsAWSConfig(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	var gotOpts s3.Options
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		var lo config.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-west-1", lo.Region)
		require.NotNil(t, lo.Credentials)
		creds, err := lo.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "minio", creds.AccessKeyID)
		return aws.Config{Region: lo.Region}, nil
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		for _, fn := range optFns {
			fn(&gotOpts)
		}
		return s3.NewFromConfig(cfg, optFns...)
	}

	b, err := New(context.Background(), Config{
		Bucket:          "sims",
		Region:          "eu-west-1",
		Endpoint:        "http://localhost:9000",
		PathStyle:       true,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3:sims", b.Name())
	assert.Equal(t, "http://localhost:9000", aws.ToString(gotOpts.BaseEndpoint))
	assert.True(t, gotOpts.UsePathStyle)

	loadDefaultAWSConfig = func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no config")
	}
	_, err = New(context.Background(), Config{Bucket: "sims"})
	require.Error(t, err)
}
