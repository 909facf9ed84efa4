// File: internal/artifacts/storage_test.go
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sightline/internal/config"
)

func TestValidatePath(t *testing.T) {
	cases := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"shot.png", "shot.png", false},
		{"run/1/shot.png", "run/1/shot.png", false},
		{"run/../shot.png", "shot.png", false},
		{"", "", true},
		{"../escape.png", "", true},
		{"/etc/passwd", "", true},
		{".", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, err := validatePath(tc.path)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(dir, "shots"))
	require.NoError(t, err)

	url, err := Save(ctx, s, "run-1/monitor_0ms.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shots", "run-1", "monitor_0ms.png"), url)

	ok, err := s.Exists(ctx, "run-1/monitor_0ms.png")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Download(ctx, "run-1/monitor_0ms.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, []byte("png"), data)

	require.NoError(t, s.Delete(ctx, "run-1/monitor_0ms.png"))
	assert.ErrorIs(t, s.Delete(ctx, "run-1/monitor_0ms.png"), ErrFileNotFound)
	_, err = s.Download(ctx, "missing.png")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = s.GetURL(ctx, "missing.png")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	err = s.Upload(context.Background(), "../../outside.png", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewLocalStorage("")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestNewFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s, err := New(context.Background(), config.ArtifactsConfig{Kind: config.StorageLocal, LocalDir: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(context.Background(), config.ArtifactsConfig{Kind: "ftp"}, logger)
	assert.ErrorContains(t, err, "unsupported storage type")

	_, err = New(context.Background(), config.ArtifactsConfig{Kind: config.StorageS3}, logger)
	assert.Error(t, err)
}

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.PutObjectOutput{}, args.Error(0)
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	if out, ok := args.Get(0).(*s3.GetObjectOutput); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.DeleteObjectOutput{}, args.Error(0)
}

func (m *mockS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, in)
	return &s3.HeadObjectOutput{}, args.Error(0)
}

func keyIs(key string) any {
	return mock.MatchedBy(func(in any) bool {
		switch v := in.(type) {
		case *s3.PutObjectInput:
			return *v.Key == key
		case *s3.GetObjectInput:
			return *v.Key == key
		case *s3.HeadObjectInput:
			return *v.Key == key
		case *s3.DeleteObjectInput:
			return *v.Key == key
		}
		return false
	})
}

func TestS3StoragePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	s := newS3Storage(client, "bucket", "runs/abc")

	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Key == "runs/abc/shot.png" && *in.ContentType == "image/png"
	})).Return(nil)
	client.On("GetObject", mock.Anything, keyIs("runs/abc/shot.png")).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("png")))}, nil)

	url, err := Save(ctx, s, "shot.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/abc/shot.png", url)

	rc, err := s.Download(ctx, "shot.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, []byte("png"), data)
	client.AssertExpectations(t)
}

func TestS3StorageNotFound(t *testing.T) {
	ctx := context.Background()
	client := new(mockS3)
	s := newS3Storage(client, "bucket", "")
	notFound := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}

	client.On("HeadObject", mock.Anything, keyIs("a.png")).Return(&smithy.GenericAPIError{Code: "NotFound"})
	client.On("GetObject", mock.Anything, keyIs("a.png")).Return(nil, notFound)
	client.On("DeleteObject", mock.Anything, keyIs("a.png")).Return(notFound)
	client.On("HeadObject", mock.Anything, keyIs("b.png")).Return(errors.New("throttled"))

	ok, err := s.Exists(ctx, "a.png")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Download(ctx, "a.png")
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "a.png"), ErrFileNotFound)

	_, err = s.Exists(ctx, "b.png")
	assert.ErrorContains(t, err, "throttled")
}

func TestS3StoragePresign(t *testing.T) {
	s := newS3Storage(new(mockS3), "bucket", "p")
	s.presign = func(_ context.Context, in *s3.GetObjectInput, _ time.Duration) (string, error) {
		return "https://signed/" + *in.Key, nil
	}
	url, err := s.GetURL(context.Background(), "x.png")
	require.NoError(t, err)
	assert.Equal(t, "https://signed/p/x.png", url)
}
