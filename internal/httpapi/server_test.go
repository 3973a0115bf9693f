package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	srv     *httptest.Server
	bucket  *objstore.MemoryBucket
	handler *events.Handler
}

func newFixture(t *testing.T, maxBody int64) *fixture {
	t.Helper()
	docs, err := docstore.Open("memory://")
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	bucket := objstore.NewMemoryBucket("b")
	mapper, err := pathmap.New(pathmap.Config{Root: "mirror", Bucket: "b"})
	require.NoError(t, err)
	norm, err := events.NewNormalizer(bucket, events.Config{}, discard)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	maintainer := mirror.NewMaintainer(docs, mapper, mirror.WithLogger(discard), mirror.WithMetrics(m))
	handler := events.NewHandler(bucket, norm, maintainer, events.WithHandlerLogger(discard), events.WithHandlerMetrics(m))

	s, err := NewServer(handler, ServerConfig{MaxBodyBytes: maxBody, Gatherer: reg, Logger: discard, Metrics: m})
	require.NoError(t, err)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, bucket: bucket, handler: handler}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func TestResync(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.bucket.Put(context.Background(), "a/b.txt", []byte("hi"), objstore.PutOptions{})
	require.NoError(t, err)

	resp, out := f.do(t, http.MethodPost, "/resync", `{"path":"a/b.txt"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", out["outcome"])
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, out = f.do(t, http.MethodPost, "/resync", `{"path":"a/b.txt"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", out["outcome"])

	resp, out = f.do(t, http.MethodPost, "/resync", `{"path":"never"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", out["outcome"])
}

func TestResyncRejectsOtherMethods(t *testing.T) {
	f := newFixture(t, 0)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		resp, out := f.do(t, method, "/resync", "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, method)
		assert.Equal(t, "forbidden", out["code"])
	}
}

func TestResyncBadBody(t *testing.T) {
	f := newFixture(t, 64)
	for _, body := range []string{``, `not json`, `{}`, `{"path":""}`, `{"path":7}`} {
		resp, out := f.do(t, http.MethodPost, "/resync", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "bad_request", out["code"], body)
	}

	resp, _ := f.do(t, http.MethodPost, "/resync", `{"path":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, 0)
	t1 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)

	body := `{"type":"google.storage.object.finalize","bucket":"b","name":"x/y.txt",
		"metadata":{"size":"3","updated":"` + t1 + `","metadata":{"k":"v"}}}`
	resp, out := f.do(t, http.MethodPost, "/events", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, "applied", out["outcome"])

	live, _, err := f.handler.Maintainer().Snapshot(context.Background(), "x/y.txt")
	require.NoError(t, err)
	require.True(t, live.Exists)

	resp, out = f.do(t, http.MethodPost, "/events", `{"type":"delete","bucket":"b","name":"x/y.txt","eventTime":"`+t1+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, "applied", out["outcome"], "deletion wins the tie")

	resp, out = f.do(t, http.MethodPost, "/events", `{"type":"finalize","bucket":"other","name":"x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.Equal(t, "skipped", out["outcome"])
}

func TestEventsRejectsInvalidNotifications(t *testing.T) {
	f := newFixture(t, 0)
	for _, body := range []string{
		`{"bucket":"b","name":"x"}`,
		`{"type":"copy","bucket":"b","name":"x"}`,
		`{"type":"finalize","name":"x"}`,
		`{"type":"finalize","bucket":"b"}`,
		`{"type":"finalize","bucket":"b","name":"x","metadata":{"metadata":{"k":1}}}`,
	} {
		resp, out := f.do(t, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "bad_request", out["code"], body)
	}
}

func TestEventsApplyFailureIs500(t *testing.T) {
	f := newFixture(t, 0)
	// finalize without any timestamp cannot be normalized
	resp, out := f.do(t, http.MethodPost, "/events", `{"type":"finalize","bucket":"b","name":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal", out["code"])
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t, 0)
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 0)

	resp, out := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	f.do(t, http.MethodGet, "/resync", "")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `mirror_http_requests_total{code="200",route="/healthz"} 1`)
	assert.Contains(t, string(data), `mirror_http_requests_total{code="403",route="/resync"} 1`)
}
