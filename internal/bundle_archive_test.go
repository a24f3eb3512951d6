package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lychee-technology/objectbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style bucket and object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	f := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	if len(parts) == 1 || parts[1] == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[bucket+"/"+key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestArchive(t *testing.T, endpoint string) *S3BundleArchive {
	archive, err := NewS3BundleArchive(context.Background(), objectbase.StorageConfig{
		Enabled:   true,
		Bucket:    "bundles",
		Prefix:    "apps",
		Endpoint:  endpoint,
		AccessKey: "test",
		SecretKey: "test-secret",
		PathStyle: true,
	})
	require.NoError(t, err)
	return archive
}

func TestValidateStorageConfig(t *testing.T) {
	assert.NoError(t, ValidateStorageConfig(objectbase.StorageConfig{}))
	assert.Error(t, ValidateStorageConfig(objectbase.StorageConfig{Enabled: true}))
	assert.Error(t, ValidateStorageConfig(objectbase.StorageConfig{Enabled: true, Bucket: "b", AccessKey: "k"}))
	assert.Error(t, ValidateStorageConfig(objectbase.StorageConfig{Enabled: true, Bucket: "b", SecretKey: "s"}))
	assert.NoError(t, ValidateStorageConfig(objectbase.StorageConfig{Enabled: true, Bucket: "b", AccessKey: "k", SecretKey: "s"}))
}

func TestS3BundleArchive_PutCreatesBucketAndGetReadsBack(t *testing.T) {
	fake, srv := newFakeS3(t)
	archive := newTestArchive(t, srv.URL)
	ctx := context.Background()

	key, err := archive.Put(ctx, "app-1.json", []byte(`{"name":"Helpdesk"}`))
	require.NoError(t, err)
	assert.Equal(t, "apps/app-1.json", key)
	assert.True(t, fake.buckets["bundles"])

	body, err := archive.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Helpdesk"}`, string(body))
	require.NoError(t, archive.HealthCheck(ctx, 0))
}

func TestS3BundleArchive_GetMissing(t *testing.T) {
	_, srv := newFakeS3(t)
	archive := newTestArchive(t, srv.URL)

	_, err := archive.Get(context.Background(), "apps/none.json")
	assert.True(t, objectbase.IsNotFoundError(err))
}

func TestS3BundleArchive_HealthCheckMissingBucket(t *testing.T) {
	_, srv := newFakeS3(t)
	archive := newTestArchive(t, srv.URL)
	assert.Error(t, archive.HealthCheck(context.Background(), 0))
}
