package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vlaube/sessiond/internal/api"
	"github.com/vlaube/sessiond/internal/config"
	"github.com/vlaube/sessiond/internal/metric"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
	"github.com/vlaube/sessiond/internal/session"
	"github.com/vlaube/sessiond/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ws, _ := testutil.NewWorkspace(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := metric.New()
	registry := session.NewRegistry(t.TempDir(), ws, metrics, log)
	t.Cleanup(registry.Close)
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "d.sock")
	return New(cfg, registry, metrics, log)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[api.CreateSessionResponse](t, rec).Session
}

func observeFile(t *testing.T, h http.Handler, ts *httptest.Server, id, path string) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := api.ObserveRequest{Options: observe.Options{
		Origin: observe.Origin{Kind: observe.OriginFile, Path: path},
		Parser: observe.ParserConfig{Kind: observe.ParserText},
	}}
	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/observe", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	op := decodeBody[api.ObserveResponse](t, rec).Operation
	require.NotEmpty(t, op)

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var ev session.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind == session.EventOperationDone && ev.Operation == op {
			return
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.HealthResponse](t, rec)
	require.Equal(t, api.SchemaVersion, resp.SchemaVersion)
	require.Equal(t, "ok", resp.Status)
	require.False(t, resp.GeneratedAt.IsZero())
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/sessions/nope/len", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	require.Equal(t, "SessionUnavailable", resp.Error.Code)
}

func TestObserveAndGrabOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := createSession(t, h)
	observeFile(t, h, ts, id, testutil.WriteLines(t, "alpha", "beta", "gamma"))

	rec := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/len", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(3), decodeBody[api.LenResponse](t, rec).Len)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/chunk?from=0&to=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[api.RowsResponse](t, rec).Rows
	require.Len(t, rows, 3)
	require.Equal(t, "beta", rows[1].Content)

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/len", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchRoutes(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := createSession(t, h)
	observeFile(t, h, ts, id, testutil.WriteLines(t, "error: one", "fine", "error: two"))

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/search", api.SearchRequest{
		Filters: []model.SearchFilter{{Value: "error"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sr := decodeBody[api.SearchResponse](t, rec)
	require.Equal(t, uint64(2), sr.Found)
	require.False(t, sr.Canceled)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/search/chunk?from=0&to=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[api.RowsResponse](t, rec).Rows
	require.Len(t, rows, 2)
	require.Equal(t, "error: one", rows[0].Content)
	require.Equal(t, "error: two", rows[1].Content)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/search/nearest?row=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[api.NearestResponse](t, rec).Found
	require.NotNil(t, found)
	require.Equal(t, uint64(0), found.Position)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/search/map?len=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id+"/search", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValuesRoutes(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := createSession(t, h)
	observeFile(t, h, ts, id, testutil.WriteLines(t, "cpu=1", "cpu=3", "cpu=2"))

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/values", api.ValuesRequest{
		Filters: []string{`cpu=(\d+)`},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	vr := decodeBody[api.ValuesResponse](t, rec)
	require.False(t, vr.Canceled)
	require.Equal(t, model.ValueRange{Min: 1, Max: 3}, vr.Ranges[0])

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/values/frame?width=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	frame := decodeBody[api.ValuesFrameResponse](t, rec)
	require.Len(t, frame.Values[0], 3)

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id+"/values", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBookmarkAndIndexedRoutes(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := createSession(t, h)
	observeFile(t, h, ts, id, testutil.WriteLines(t, "a", "b", "c", "d"))

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/bookmarks", api.BookmarkRequest{Row: 2})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/indexed/len", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(1), decodeBody[api.LenResponse](t, rec).Len)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/indexed?from=0&to=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[api.RowsResponse](t, rec).Rows
	require.Len(t, rows, 1)
	require.Equal(t, "c", rows[0].Content)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/indexed/ranges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []model.Range{{Start: 2, End: 2}}, decodeBody[api.RangesResponse](t, rec).Ranges)

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id+"/bookmarks", api.BookmarkRequest{Row: 2})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExportReportsFailureInBand(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	id := createSession(t, h)
	observeFile(t, h, ts, id, testutil.WriteLines(t, "a", "b"))

	dest := filepath.Join(t.TempDir(), "out.txt")
	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/export", api.ExportRequest{
		Dest:   dest,
		Ranges: []model.Range{{Start: 0, End: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[api.ExportResponse](t, rec).Complete)

	rec = doJSON(t, h, http.MethodPost, "/v1/sessions/"+id+"/export", api.ExportRequest{
		Dest:   filepath.Join(t.TempDir(), "missing", "deep", "out.txt"),
		Ranges: []model.Range{{Start: 0, End: 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[api.ExportResponse](t, rec)
	require.False(t, resp.Complete)
	require.NotNil(t, resp.Error)
}

func TestMethodAndArgValidation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	id := createSession(t, h)

	rec := doJSON(t, h, http.MethodDelete, "/v1/sessions/"+id+"/chunk?from=0&to=1", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET", rec.Header().Get("Allow"))

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/chunk?from=2&to=1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/chunk?from=x&to=1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/no-such-route", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNextNestedRejectsWideFilterIndex(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	id := createSession(t, h)

	rec := doJSON(t, h, http.MethodGet, "/v1/sessions/"+id+"/search/nested?filter=300&from=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidArgs", decodeBody[api.ErrorResponse](t, rec).Error.Code)
}

func TestSerialPortsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/serial/ports", nil)
	// Enumeration may legitimately fail on hosts without serial support;
	// either way the reply must be well-formed JSON.
	if rec.Code == http.StatusOK {
		decodeBody[api.SerialPortsResponse](t, rec)
	} else {
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		decodeBody[api.ErrorResponse](t, rec)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sessiond_active_sessions")
}

func TestSecondDaemonIsRejected(t *testing.T) {
	dir, err := os.MkdirTemp("", "sessiond")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	first := newTestServer(t)
	first.cfg.SocketPath = filepath.Join(dir, "d.sock")
	second := newTestServer(t)
	second.cfg.SocketPath = first.cfg.SocketPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- first.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(first.cfg.SocketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	err = second.Start(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already running")

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = os.Stat(first.cfg.SocketPath)
	require.True(t, os.IsNotExist(err), fmt.Sprintf("socket should be removed, got %v", err))
}
