package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/internal/config"
	"tracelog/internal/db"
	"tracelog/internal/logstore"
	"tracelog/internal/metrics"
	"tracelog/internal/retention"
	"tracelog/pkg/scope"
	"tracelog/pkg/tracelog"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Host: "127.0.0.1", Port: 0},
		Viewer: config.ViewerConfig{
			RoutePrefix: "logs",
			PerPage:     50,
			CacheTTL:    "1m",
			CacheSize:   100,
		},
		Export:    config.ExportConfig{MaxRecords: 1000},
		Retention: config.RetentionConfig{CleanupOldLogsDays: 30},
	}
}

func newTestStore(t *testing.T) *logstore.Store {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "tracelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return logstore.New(database, nil)
}

// seed records one successful nested trace and one failed trace.
func seed(t *testing.T, store *logstore.Store) {
	t.Helper()
	rec := tracelog.New(tracelog.DefaultOptions(), tracelog.WithDatabaseSink(store)).For("OrderController")

	ctx, end := rec.Begin(context.Background(), scope.Background("req-ok"))
	_, err := tracelog.Instrument(ctx, rec, "checkout", map[string]any{"user_id": 42}, func(ctx context.Context) (string, error) {
		return tracelog.Instrument(ctx, rec, "chargeCard", nil, func(context.Context) (string, error) {
			return "charged", nil
		})
	})
	require.NoError(t, err)
	end()

	ctx, end = rec.Begin(context.Background(), scope.Background("req-fail"))
	err = rec.Run(ctx, "refund", nil, func(context.Context) error {
		return errors.New("gateway down")
	})
	require.Error(t, err)
	end()
}

func newTestRouter(t *testing.T, cfg *config.Config) (chi.Router, *logstore.Store) {
	t.Helper()
	store := newTestStore(t)
	seed(t, store)

	handler, err := NewHandler(cfg, store, retention.NewCleaner(store, cfg.Retention.CleanupOldLogsDays), metrics.New(), nil)
	require.NoError(t, err)
	t.Cleanup(handler.Close)
	return SetupRouter(handler), store
}

func do(t *testing.T, router http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, code, body.Error.Code)
}

func TestHandleHealthAndReady(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, w)["status"])

	w = do(t, router, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode[map[string]string](t, w)["status"])
}

func TestHandleListTraces(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/traces", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Traces []struct {
			RequestID     string `json:"request_id"`
			Status        string `json:"status"`
			StepCount     int    `json:"step_count"`
			OperationName string `json:"operation_name"`
		} `json:"traces"`
		Pagination Pagination `json:"pagination"`
		Statistics Counters   `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 2, body.Pagination.Total)
	assert.Equal(t, 1, body.Pagination.LastPage)
	assert.False(t, body.Pagination.HasMore)
	require.Len(t, body.Traces, 2)

	byID := map[string]int{}
	for i, tr := range body.Traces {
		byID[tr.RequestID] = i
	}
	ok := body.Traces[byID["req-ok"]]
	assert.Equal(t, "success", ok.Status)
	assert.Equal(t, 4, ok.StepCount)
	assert.Equal(t, "checkout", ok.OperationName)
	failed := body.Traces[byID["req-fail"]]
	assert.Equal(t, "error", failed.Status)
	assert.Equal(t, 2, failed.StepCount)

	assert.Equal(t, 2, body.Statistics.TotalRequests)
	assert.Equal(t, 1, body.Statistics.ErrorCount)
	assert.Equal(t, 1, body.Statistics.InfoCount)
}

func TestHandleListTracesPagination(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/traces?per_page=1&page=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[TraceListResponse](t, w)
	assert.Len(t, body.Traces, 1)
	assert.Equal(t, 2, body.Pagination.LastPage)
	assert.True(t, body.Pagination.HasMore)

	w = do(t, router, http.MethodGet, "/logs/api/traces?page=0", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = do(t, router, http.MethodGet, "/logs/api/traces?level=loud", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = do(t, router, http.MethodGet, "/logs/api/traces?level=error", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[TraceListResponse](t, w).Pagination.Total)
}

func TestHandleTraceDetail(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/traces/req-ok", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	etag := w.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	var body struct {
		Status     string `json:"status"`
		StepsCount int    `json:"steps_count"`
		HasSteps   bool   `json:"has_steps"`
		Steps      []struct {
			VisualIndicator string `json:"visual_indicator"`
			IndentLevel     int    `json:"indent_level"`
		} `json:"steps"`
		Response struct {
			StatusCode any `json:"status_code"`
		} `json:"response_data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, 4, body.StepsCount)
	assert.True(t, body.HasSteps)
	require.Len(t, body.Steps, 4)
	assert.Equal(t, "L1", body.Steps[0].VisualIndicator)
	assert.Equal(t, "L2", body.Steps[1].VisualIndicator)
	assert.Equal(t, 1, body.Steps[1].IndentLevel)

	w = do(t, router, http.MethodGet, "/logs/api/traces/req-ok", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = do(t, router, http.MethodGet, "/logs/api/traces/missing", nil)
	assertErrorCode(t, w, http.StatusNotFound, CodeNotFound)
}

func TestHandleTraceDetailInFlightNotCached(t *testing.T) {
	router, store := newTestRouter(t, testConfig())
	ctx := context.Background()
	now := time.Now()

	write := func(phase tracelog.Phase, at time.Time) {
		t.Helper()
		require.NoError(t, store.Write(ctx, &tracelog.LogRow{
			RequestID:     "req-live",
			Level:         tracelog.LevelInfo,
			Message:       "sync " + string(phase),
			Method:        "sync",
			Phase:         phase,
			OperationName: "sync",
			CallDepth:     1,
			CreatedAt:     at,
		}))
	}
	status := func() string {
		t.Helper()
		w := do(t, router, http.MethodGet, "/logs/api/traces/req-live", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decode[map[string]any](t, w)["status"].(string)
	}

	write(tracelog.PhaseStarted, now)
	assert.Equal(t, "info", status())

	write(tracelog.PhaseCompleted, now.Add(time.Millisecond))
	assert.Equal(t, "success", status())
}

func TestHandleListLogs(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/logs?count_only=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6, decode[map[string]int](t, w)["count"])

	w = do(t, router, http.MethodGet, "/logs/api/logs?search=refund&per_page=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[LogListResponse](t, w)
	assert.Equal(t, 2, body.Pagination.Total)
	for _, row := range body.Logs {
		assert.Equal(t, "req-fail", row.RequestID)
	}

	w = do(t, router, http.MethodGet, "/logs/api/logs?date_from=tomorrow", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)
}

func TestHandleGetLog(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/logs/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ℹ️ INFO", body["level_with_emoji"])
	assert.NotEmpty(t, body["formatted_context"])

	w = do(t, router, http.MethodGet, "/logs/api/logs/abc", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = do(t, router, http.MethodGet, "/logs/api/logs/9999", nil)
	assertErrorCode(t, w, http.StatusNotFound, CodeNotFound)
}

func TestHandleRequestLogsAndProperties(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/requests/req-fail/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode[map[string]any](t, w)["count"])

	w = do(t, router, http.MethodGet, "/logs/api/properties/user_id/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, decode[map[string]any](t, w)["count"])

	w = do(t, router, http.MethodGet, "/logs/api/properties/bad%22key/1", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = do(t, router, http.MethodGet, "/logs/api/property-keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[[]string](t, w), "user_id")

	w = do(t, router, http.MethodGet, "/logs/api/property-values?key=user_id", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{42.0}, decode[[]any](t, w))

	w = do(t, router, http.MethodGet, "/logs/api/property-values", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]any](t, w))

	w = do(t, router, http.MethodGet, "/logs/api/types", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]string](t, w))
}

func TestHandleStatistics(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodGet, "/logs/api/statistics?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[logstore.Statistics](t, w)
	assert.Equal(t, 2, stats.TotalTraces)
	assert.Equal(t, map[string]int{"error": 1, "info": 1}, stats.ByLevel)
	assert.Equal(t, map[string]int{"OrderController": 2}, stats.ByController)

	w = do(t, router, http.MethodGet, "/logs/api/statistics?days=-1", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)
}

func TestHandleExport(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	t.Run("json", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/logs/api/export", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), ".json")
		body := decode[ExportResponse](t, w)
		assert.Equal(t, 6, body.Count)
		assert.Len(t, body.Logs, 6)
	})

	t.Run("gzipped csv", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/logs/api/export?format=csv&gzip=true&level=error", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv.gz")

		gz, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		records, err := csv.NewReader(gz).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, csvHeader, records[0])
		assert.Equal(t, "req-fail", records[1][1])
		assert.Equal(t, "refund failed", records[1][3])
		assert.Equal(t, "500", records[1][10])
	})

	t.Run("unknown format", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/logs/api/export?format=xlsx", nil)
		assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)
	})
}

func TestHandleDeleteLogs(t *testing.T) {
	router, store := newTestRouter(t, testConfig())

	w := do(t, router, http.MethodDelete, "/logs/api/logs?days=0", nil)
	assertErrorCode(t, w, http.StatusBadRequest, CodeInvalidArgument)

	w = do(t, router, http.MethodDelete, "/logs/api/logs?days=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, 0.0, body["deleted_count"])
	assert.Equal(t, "Cleared 0 old log entries", body["message"])

	n, err := store.CountRows(context.Background(), logstore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestViewerToken(t *testing.T) {
	cfg := testConfig()
	cfg.Viewer.Token = "s3cret"
	router, _ := newTestRouter(t, cfg)

	w := do(t, router, http.MethodGet, "/logs/api/traces", nil)
	assertErrorCode(t, w, http.StatusUnauthorized, CodeUnauthorized)

	w = do(t, router, http.MethodGet, "/logs/api/traces", http.Header{"Authorization": {"Basic abc"}})
	assertErrorCode(t, w, http.StatusUnauthorized, CodeUnauthorized)

	w = do(t, router, http.MethodGet, "/logs/api/traces", http.Header{"Authorization": {"Bearer s3cre"}})
	assertErrorCode(t, w, http.StatusUnauthorized, CodeUnauthorized)

	w = do(t, router, http.MethodGet, "/logs/api/traces", http.Header{"Authorization": {"Bearer s3creT"}})
	assertErrorCode(t, w, http.StatusUnauthorized, CodeUnauthorized)

	w = do(t, router, http.MethodGet, "/logs/api/traces", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, testConfig())

	do(t, router, http.MethodGet, "/logs/api/types", nil)
	w := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tracelog_http_requests_total{method="GET",route="/logs/api/types",status="200"} 1`)
}
