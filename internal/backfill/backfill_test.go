package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastClient(url string) *Client {
	c := NewClient(url, nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestClientResync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a/b.txt", body["path"])
		_, _ = w.Write([]byte(`{"outcome":"applied"}`))
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).Resync(context.Background(), "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "applied", resp.Outcome)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"outcome":"stale"}`))
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).Resync(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "stale", resp.Outcome)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"bad_request","message":"path is required"}`))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Resync(context.Background(), "k")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, "bad_request", httpErr.Code)
	assert.Equal(t, "path is required", httpErr.Message)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryDelay(t *testing.T) {
	c := NewClient("", nil)
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, c.retryDelay(1, "60"))
}

type fakeResyncer struct {
	mu       sync.Mutex
	keys     []string
	inflight atomic.Int32
	peak     atomic.Int32
	fail     map[string]bool
}

func (f *fakeResyncer) Resync(_ context.Context, key string) (ResyncResponse, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.fail[key] {
		return ResyncResponse{}, fmt.Errorf("boom")
	}
	return ResyncResponse{Outcome: "applied"}, nil
}

func TestBackfillRun(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewMemoryBucket("b")
	for i := range 30 {
		_, err := bucket.Put(ctx, fmt.Sprintf("dir/%02d", i), []byte("x"), objstore.PutOptions{})
		require.NoError(t, err)
	}
	_, err := bucket.Put(ctx, "skip/me", []byte("x"), objstore.PutOptions{})
	require.NoError(t, err)

	fake := &fakeResyncer{fail: map[string]bool{"dir/07": true}}
	res, err := New(bucket, fake, WithConcurrency(4), WithPrefix("dir/"), WithLogger(discard)).Run(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 30, res.Objects)
	assert.EqualValues(t, 1, res.Failed)
	assert.Equal(t, map[string]int64{"applied": 29}, res.Outcomes)
	assert.Len(t, fake.keys, 30)
	assert.NotContains(t, fake.keys, "skip/me")
	assert.LessOrEqual(t, fake.peak.Load(), int32(4))
}

func TestBackfillAgainstServer(t *testing.T) {
	ctx := context.Background()
	bucket := objstore.NewMemoryBucket("b")
	for _, k := range []string{"a", "b/c"} {
		_, err := bucket.Put(ctx, k, []byte("x"), objstore.PutOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen[body["path"]] = true
		mu.Unlock()
		_, _ = w.Write([]byte(`{"outcome":"applied"}`))
	}))
	defer srv.Close()

	res, err := New(bucket, fastClient(srv.URL), WithLogger(discard)).Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Objects)
	assert.Equal(t, map[string]bool{"a": true, "b/c": true}, seen)
}
