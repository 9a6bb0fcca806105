package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/clock/system"
	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/crawler/crawlertest"
	"github.com/JakeFAU/listing-scraper/internal/id/uuid"
	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/orchestrator"
	"github.com/JakeFAU/listing-scraper/internal/progress"
	"github.com/JakeFAU/listing-scraper/internal/publisher/memory"
	"github.com/JakeFAU/listing-scraper/internal/record"
	storagememory "github.com/JakeFAU/listing-scraper/internal/storage/memory"
	"github.com/JakeFAU/listing-scraper/internal/worker"
)

const (
	testHost  = "https://www.example.com"
	testEntry = testHost + "/homes/springfield_rb/"
)

type addressExtractor struct{}

func (addressExtractor) Extract(ctx context.Context, sess crawler.Session, ref crawler.TargetRef) (*record.Record, error) {
	if err := sess.Navigate(ctx, ref.URL, time.Second); err != nil {
		return nil, err
	}
	rec := record.New()
	rec.SetString("address", ref.Key+" Main St")
	if ref.Key == "2" {
		rec.SetString("price", "$250,000")
	}
	rec.SetString("link", ref.URL)
	return rec, nil
}

func newTestOrchestrator(t *testing.T, ids []string) *orchestrator.Orchestrator {
	t.Helper()
	site := crawlertest.NewSite().Set(testEntry, crawlertest.ResultsPage(ids, ""))
	sessions := crawlertest.NewProvider(site)
	orch, err := orchestrator.New(orchestrator.Config{MaxListings: 10, Concurrency: 2}, orchestrator.Deps{
		Registry:  storagememory.NewJobStore(),
		Sessions:  sessions,
		Paginator: crawler.NewPaginator(crawler.PaginatorConfig{NavTimeout: time.Second}, nil),
		Processor: worker.New(sessions, addressExtractor{}, worker.Config{ItemTimeout: 2 * time.Second}, nil),
		IDs:       uuid.New(),
		Clock:     system.New(),
		Publisher: memory.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Shutdown(ctx))
	})
	return orch
}

func newTestServer(t *testing.T, ids ...string) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	orch := newTestOrchestrator(t, ids)
	return NewServer(orch, Options{}, zap.NewNop()), orch
}

func submit(t *testing.T, srv *Server) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/scrape", strings.NewReader(`{"searchUrl":"`+testEntry+`"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, uuid.Valid(resp.JobID))
	return resp.JobID
}

func waitDone(t *testing.T, orch *orchestrator.Orchestrator, id string) *job.Job {
	t.Helper()
	j, err := orch.Job(id)
	require.NoError(t, err)
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", id)
	}
	return j
}

func TestServer_SubmitAndStatus(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t, "1", "2")
	id := submit(t, srv)
	waitDone(t, orch, id)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap job.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, job.StatusCompleted, snap.Status)
	require.Equal(t, 2, snap.Scraped)
	require.ElementsMatch(t, []string{"address", "link", "price"}, snap.Columns)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "invalid JSON"},
		{name: "missing url", body: `{}`, want: "searchUrl is required"},
		{name: "blank url", body: `{"searchUrl":"  "}`, want: "searchUrl is required"},
		{name: "bad scheme", body: `{"searchUrl":"ftp://example.com/x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scrape", bytes.NewBufferString(tc.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			if tc.want != "" {
				require.Contains(t, rec.Body.String(), tc.want)
			}
		})
	}
}

func TestServer_StatusErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape/0190b4c2-7d3e-7000-8000-000000000000", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "job not found")
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t, "1")
	id := submit(t, srv)
	waitDone(t, orch, id)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape?status=completed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Jobs   []job.Snapshot     `json:"jobs"`
		Counts map[job.Status]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.Equal(t, 1, resp.Counts[job.StatusCompleted])
	require.Equal(t, id, resp.Jobs[0].ID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape?status=running", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Jobs)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape?status=bogus", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ExportJSON(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t, "1", "2")
	id := submit(t, srv)
	waitDone(t, orch, id)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export/"+id+"/json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, `attachment; filename="listings-`+id+`.json"`, rec.Header().Get("Content-Disposition"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Contains(t, row, "address")
		require.Contains(t, row, "link")
		require.Contains(t, row, "price")
	}
}

func TestServer_ExportWithoutRows(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	id := submit(t, srv)
	waitDone(t, orch, id)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export/"+id+"/json", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "No data to export")
}

func TestServer_StreamLogsSSE(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t, "1", "2")
	id := submit(t, srv)
	waitDone(t, orch, id)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/scrape/" + id + "/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			payloads = append(payloads, data)
		}
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, payloads)

	var first progress.LogEntry
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &first))
	require.Contains(t, first.Message, "Starting scrape of")

	var done progress.Done
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-1]), &done))
	require.Equal(t, "done", done.Type)
	require.Equal(t, string(job.StatusCompleted), done.Status)
}

func TestServer_StreamUnknownJob(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape/0190b4c2-7d3e-7000-8000-000000000000/logs", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StreamWebsocket(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t, "1")
	id := submit(t, srv)
	waitDone(t, orch, id)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/scrape/"+id+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var last map[string]any
	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected read error: %v", err)
			require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		frames++
		last = nil
		require.NoError(t, json.Unmarshal(data, &last))
	}
	require.Greater(t, frames, 1)
	require.Equal(t, "done", last["type"])
	require.Equal(t, "completed", last["status"])
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, nil)
	ready := errors.New("draining")
	srv := NewServer(orch, Options{Ready: func(context.Context) error { return ready }}, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "draining")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware_KeepsInbound(t *testing.T) {
	t.Parallel()

	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "abc", seen)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_SubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, orch.Shutdown(ctx))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scrape", strings.NewReader(`{"searchUrl":"`+testEntry+`"}`)))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
