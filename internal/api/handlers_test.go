package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stemdeck/internal/cancel"
	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/events"
	"github.com/mattjoyce/stemdeck/internal/joblog"
	"github.com/mattjoyce/stemdeck/internal/protocol"
)

// mockEngine implements Engine for testing
type mockEngine struct {
	validateFunc func(ctx context.Context, url string) protocol.BoundaryResult
	downloadFunc func(ctx context.Context, req engine.DownloadRequest) protocol.BoundaryResult
	separateFunc func(ctx context.Context, req engine.SeparateRequest) protocol.BoundaryResult
	cancelFunc   func() cancel.Result
	activeJob    string
	savedPath    string
}

func (m *mockEngine) ValidateURL(ctx context.Context, url string) protocol.BoundaryResult {
	if m.validateFunc == nil {
		return protocol.BoundaryResult{Success: true}
	}
	return m.validateFunc(ctx, url)
}

func (m *mockEngine) GetSettings(ctx context.Context) protocol.BoundaryResult {
	return protocol.BoundaryResult{Success: true, DownloadPath: "/music"}
}

func (m *mockEngine) SaveSettings(ctx context.Context, path string) protocol.BoundaryResult {
	m.savedPath = path
	return protocol.BoundaryResult{Success: true}
}

func (m *mockEngine) DownloadAudio(ctx context.Context, req engine.DownloadRequest) protocol.BoundaryResult {
	return m.downloadFunc(ctx, req)
}

func (m *mockEngine) SeparateAudio(ctx context.Context, req engine.SeparateRequest) protocol.BoundaryResult {
	return m.separateFunc(ctx, req)
}

func (m *mockEngine) CancelSeparation() cancel.Result {
	if m.cancelFunc == nil {
		return cancel.Result{Error: cancel.MsgNoActiveProcess}
	}
	return m.cancelFunc()
}

func (m *mockEngine) ActiveJob() (string, bool) {
	return m.activeJob, m.activeJob != ""
}

// mockHistory implements JobHistory for testing
type mockHistory struct {
	entries []*joblog.Entry
	filter  joblog.Filter
	err     error
}

func (m *mockHistory) Recent(ctx context.Context, f joblog.Filter) ([]*joblog.Entry, error) {
	m.filter = f
	return m.entries, m.err
}

func (m *mockHistory) Get(ctx context.Context, id string) (*joblog.Entry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, joblog.ErrNotFound
}

const testKey = "test-key-123"

func newTestServer(eng Engine, history JobHistory, hub *events.Hub) *Server {
	if hub == nil {
		hub = events.NewHub(16)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: testKey, EngineMode: "script", KeepAlive: time.Hour}, eng, history, hub, logger)
}

func do(t *testing.T, s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	s := newTestServer(&mockEngine{activeJob: "job-1"}, nil, nil)

	rr := do(t, s, http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "script", resp.EngineMode)
	assert.Equal(t, "job-1", resp.ActiveJob)
}

func TestV1RequiresAPIKey(t *testing.T) {
	s := newTestServer(&mockEngine{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/v1/settings", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid API key", decode[ErrorResponse](t, rr).Error)
}

func TestV1OpenWithoutAPIKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{}, &mockEngine{}, nil, events.NewHub(4), logger)

	rr := do(t, s, http.MethodGet, "/v1/settings", "", false)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/music", decode[protocol.BoundaryResult](t, rr).DownloadPath)
}

func TestHandleValidate(t *testing.T) {
	var got string
	eng := &mockEngine{validateFunc: func(ctx context.Context, url string) protocol.BoundaryResult {
		got = url
		return protocol.BoundaryResult{Success: true, Title: "Song"}
	}}
	s := newTestServer(eng, nil, nil)

	rr := do(t, s, http.MethodPost, "/v1/validate", `{"url":"https://example.test/v"}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://example.test/v", got)

	res := decode[protocol.BoundaryResult](t, rr)
	assert.True(t, res.Success)
	assert.Equal(t, "Song", res.Title)
}

func TestHandleValidate_BadBody(t *testing.T) {
	s := newTestServer(&mockEngine{}, nil, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "empty", body: "", code: http.StatusBadRequest},
		{name: "not json", body: "{url:", code: http.StatusBadRequest},
		{name: "too large", body: `{"url":"` + strings.Repeat("a", maxBodyBytes) + `"}`, code: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, http.MethodPost, "/v1/validate", tt.body, true)
			assert.Equal(t, tt.code, rr.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rr).Error)
		})
	}
}

func TestHandleSaveSettings(t *testing.T) {
	eng := &mockEngine{}
	s := newTestServer(eng, nil, nil)

	rr := do(t, s, http.MethodPut, "/v1/settings", `{"download_path":"/tmp/out"}`, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/tmp/out", eng.savedPath)
}

func TestHandleDownload_EngineFailureIs200(t *testing.T) {
	var got engine.DownloadRequest
	eng := &mockEngine{downloadFunc: func(ctx context.Context, req engine.DownloadRequest) protocol.BoundaryResult {
		got = req
		return protocol.Failure("engine exited with code 1: boom")
	}}
	s := newTestServer(eng, nil, nil)

	body := `{"url":"u","output_dir":"/o","format":"mp3","quality":"192"}`
	rr := do(t, s, http.MethodPost, "/v1/download", body, true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, engine.DownloadRequest{URL: "u", OutputDir: "/o", Format: "mp3", Quality: "192"}, got)

	res := decode[protocol.BoundaryResult](t, rr)
	assert.False(t, res.Success)
	assert.Equal(t, "engine exited with code 1: boom", res.Error)
}

func TestHandleSeparate(t *testing.T) {
	eng := &mockEngine{separateFunc: func(ctx context.Context, req engine.SeparateRequest) protocol.BoundaryResult {
		return protocol.BoundaryResult{
			Success: true,
			JobID:   "job-9",
			Files:   &protocol.Files{Vocals: req.OutputDir + "/song/vocals.wav"},
		}
	}}
	s := newTestServer(eng, nil, nil)

	rr := do(t, s, http.MethodPost, "/v1/separate", `{"input_path":"/in/song.mp3","output_dir":"/out"}`, true)
	require.Equal(t, http.StatusOK, rr.Code)

	res := decode[protocol.BoundaryResult](t, rr)
	assert.True(t, res.Success)
	assert.Equal(t, "job-9", res.JobID)
	require.NotNil(t, res.Files)
	assert.Equal(t, "/out/song/vocals.wav", res.Files.Vocals)
}

func TestHandleCancel(t *testing.T) {
	tests := []struct {
		name   string
		result cancel.Result
	}{
		{name: "nothing running", result: cancel.Result{Error: cancel.MsgNoActiveProcess}},
		{name: "accepted", result: cancel.Result{OK: true, JobID: "job-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mockEngine{cancelFunc: func() cancel.Result { return tt.result }}
			s := newTestServer(eng, nil, nil)

			rr := do(t, s, http.MethodPost, "/v1/separate/cancel", "", true)
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, tt.result, decode[cancel.Result](t, rr))
		})
	}
}

func TestHandleListJobs(t *testing.T) {
	history := &mockHistory{entries: []*joblog.Entry{
		{ID: "job-2", Command: protocol.CmdSeparateAudio, Status: joblog.StatusCancelled},
		{ID: "job-1", Command: protocol.CmdSeparateAudio, Status: joblog.StatusSucceeded},
	}}
	s := newTestServer(&mockEngine{}, history, nil)

	rr := do(t, s, http.MethodGet, "/v1/jobs?limit=5&command=separate_audio&status=cancelled", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, joblog.Filter{Command: "separate_audio", Status: joblog.StatusCancelled, Limit: 5}, history.filter)

	resp := decode[JobsResponse](t, rr)
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "job-2", resp.Jobs[0].ID)
}

func TestHandleListJobs_BadQuery(t *testing.T) {
	s := newTestServer(&mockEngine{}, &mockHistory{}, nil)

	for _, q := range []string{"limit=-1", "limit=abc", "status=bogus"} {
		rr := do(t, s, http.MethodGet, "/v1/jobs?"+q, "", true)
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestHandleListJobs_Empty(t *testing.T) {
	s := newTestServer(&mockEngine{}, &mockHistory{}, nil)

	rr := do(t, s, http.MethodGet, "/v1/jobs", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rr.Body.String())
}

func TestHandleListJobs_StoreError(t *testing.T) {
	s := newTestServer(&mockEngine{}, &mockHistory{err: errors.New("disk I/O error")}, nil)

	rr := do(t, s, http.MethodGet, "/v1/jobs", "", true)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHandleGetJob(t *testing.T) {
	history := &mockHistory{entries: []*joblog.Entry{{ID: "job-123", Command: protocol.CmdDownloadAudio, Status: joblog.StatusSucceeded}}}
	s := newTestServer(&mockEngine{}, history, nil)

	rr := do(t, s, http.MethodGet, "/v1/jobs/job-123", "", true)
	require.Equal(t, http.StatusOK, rr.Code)
	entry := decode[joblog.Entry](t, rr)
	assert.Equal(t, "job-123", entry.ID)
	assert.Equal(t, joblog.StatusSucceeded, entry.Status)

	rr = do(t, s, http.MethodGet, "/v1/jobs/unknown", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleGetJob_HistoryDisabled(t *testing.T) {
	s := newTestServer(&mockEngine{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/v1/jobs/job-123", "", true)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// streamWriter is a concurrency-safe ResponseWriter that supports Flush.
type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(statusCode int) {
	w.mu.Lock()
	w.status = statusCode
	w.mu.Unlock()
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func waitFor(t *testing.T, w *streamWriter, needle string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(w.String(), needle) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %q in stream, got: %q", needle, w.String())
}

func TestHandleEvents_Unauthorized(t *testing.T) {
	s := newTestServer(&mockEngine{}, nil, nil)

	rr := do(t, s, http.MethodGet, "/v1/events", "", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleEvents_ReplaysAndStreams(t *testing.T) {
	hub := events.NewHub(16)
	s := newTestServer(&mockEngine{}, nil, hub)
	hub.Publish(events.TopicDownloadProgress, map[string]any{"percent": 10})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	waitFor(t, w, "event: download.progress\n")
	assert.Contains(t, w.String(), "id: 1\n")

	// Wait for the subscription before publishing live.
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(events.TopicJobCompleted, map[string]any{"job_id": "job-1"})
	waitFor(t, w, "event: job.completed\n")
	assert.Contains(t, w.String(), `data: {"job_id":"job-1"}`)

	stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stream did not exit after context cancel")
	}
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestHandleEvents_LastEventIDSkipsSeen(t *testing.T) {
	hub := events.NewHub(16)
	s := newTestServer(&mockEngine{}, nil, hub)
	hub.Publish("first", nil)
	hub.Publish("second", nil)

	ctx, stop := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	waitFor(t, w, "event: second\n")
	stop()
	<-done
	assert.NotContains(t, w.String(), "event: first\n")
}

func TestParseLastEventID(t *testing.T) {
	tests := map[string]int64{"": 0, "7": 7, "-3": 0, "abc": 0}
	for in, want := range tests {
		assert.Equal(t, want, parseLastEventID(in), in)
	}
}
