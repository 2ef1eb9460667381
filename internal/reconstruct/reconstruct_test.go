package reconstruct

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/pkg/tracelog"
)

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func row(id int64, msg string, level tracelog.Level, depth int, props map[string]any) tracelog.LogRow {
	return tracelog.LogRow{
		ID:         id,
		RequestID:  "req-1",
		Level:      level,
		Message:    msg,
		Properties: props,
		CallDepth:  depth,
		CreatedAt:  t0.Add(time.Duration(id) * time.Millisecond),
	}
}

func lifecycle(id int64, name string, phase tracelog.Phase, depth int, props map[string]any) tracelog.LogRow {
	level := tracelog.LevelInfo
	if phase == tracelog.PhaseFailed {
		level = tracelog.LevelError
	}
	r := row(id, name+" "+string(phase), level, depth, props)
	r.Phase = phase
	r.OperationName = name
	return r
}

func event(id int64, msg string, level tracelog.Level) tracelog.LogRow {
	r := row(id, msg, level, 1, nil)
	r.Phase = tracelog.PhaseEvent
	return r
}

func TestReconstructRoundTrip(t *testing.T) {
	rows := []tracelog.LogRow{
		row(1, "X started", tracelog.LevelInfo, 1, nil),
		row(2, "X completed", tracelog.LevelInfo, 1, map[string]any{"duration_ms": 50.0}),
	}

	trace, err := Reconstruct(rows)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, trace.Status)
	assert.Equal(t, "50ms", trace.Duration)
	assert.Equal(t, 2, trace.StepCount)
	assert.Equal(t, "X", trace.OperationName)
	require.NotNil(t, trace.CompletedLog)
	assert.Equal(t, int64(2), trace.CompletedLog.ID)
}

func TestReconstructEmpty(t *testing.T) {
	_, err := Reconstruct(nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Summarize([]tracelog.LogRow{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		rows []tracelog.LogRow
		want Status
	}{
		{
			name: "in flight",
			rows: []tracelog.LogRow{lifecycle(1, "A", tracelog.PhaseStarted, 1, nil)},
			want: StatusInfo,
		},
		{
			name: "completed",
			rows: []tracelog.LogRow{
				lifecycle(1, "A", tracelog.PhaseStarted, 1, nil),
				lifecycle(2, "A", tracelog.PhaseCompleted, 1, nil),
			},
			want: StatusSuccess,
		},
		{
			name: "inner failure wins over outer completion",
			rows: []tracelog.LogRow{
				lifecycle(1, "A", tracelog.PhaseStarted, 1, nil),
				lifecycle(2, "B", tracelog.PhaseStarted, 2, nil),
				lifecycle(3, "B", tracelog.PhaseFailed, 2, nil),
				lifecycle(4, "A", tracelog.PhaseCompleted, 1, nil),
			},
			want: StatusError,
		},
		{
			name: "free-form failure event wins over completion",
			rows: []tracelog.LogRow{
				lifecycle(1, "Checkout", tracelog.PhaseStarted, 1, nil),
				event(2, "Payment failed", tracelog.LevelError),
				lifecycle(3, "Checkout", tracelog.PhaseCompleted, 1, nil),
			},
			want: StatusError,
		},
		{
			name: "legacy failure message",
			rows: []tracelog.LogRow{
				row(1, "Checkout started", tracelog.LevelInfo, 1, nil),
				row(2, "Card charge failed", tracelog.LevelWarning, 1, nil),
				row(3, "Checkout completed", tracelog.LevelInfo, 1, nil),
			},
			want: StatusError,
		},
		{
			name: "only inner completion",
			rows: []tracelog.LogRow{
				lifecycle(1, "A", tracelog.PhaseStarted, 1, nil),
				lifecycle(2, "B", tracelog.PhaseStarted, 2, nil),
				lifecycle(3, "B", tracelog.PhaseCompleted, 2, nil),
			},
			want: StatusInfo,
		},
		{
			name: "no lifecycle rows",
			rows: []tracelog.LogRow{row(1, "cache warmed", tracelog.LevelInfo, 1, nil)},
			want: StatusInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Summarize(tt.rows)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Status)
		})
	}
}

func TestCompletionMatchesEntryOperationExactly(t *testing.T) {
	// "load" is a substring of "loadUser"; explicit operation names keep them apart.
	rows := []tracelog.LogRow{
		lifecycle(1, "load", tracelog.PhaseStarted, 1, nil),
		lifecycle(2, "loadUser", tracelog.PhaseStarted, 2, nil),
		lifecycle(3, "loadUser", tracelog.PhaseCompleted, 2, nil),
		lifecycle(4, "load", tracelog.PhaseCompleted, 1, nil),
	}

	trace, err := Reconstruct(rows)
	require.NoError(t, err)
	require.NotNil(t, trace.CompletedLog)
	assert.Equal(t, int64(4), trace.CompletedLog.ID)
}

func TestLegacyRowsMatchOnMessage(t *testing.T) {
	rows := []tracelog.LogRow{
		row(1, "cache warmed", tracelog.LevelDebug, 1, nil),
		row(2, "checkout started", tracelog.LevelInfo, 1, nil),
		row(3, "charge started", tracelog.LevelInfo, 2, nil),
		row(4, "charge failed", tracelog.LevelError, 2, nil),
	}

	trace, err := Reconstruct(rows)
	require.NoError(t, err)
	assert.Equal(t, "checkout", trace.OperationName)
	assert.Equal(t, int64(2), trace.MainLog.ID)
	assert.Equal(t, StatusError, trace.Status)
	require.NotNil(t, trace.FailedLog)
	assert.Equal(t, int64(4), trace.FailedLog.ID)
	assert.Nil(t, trace.CompletedLog)
	assert.True(t, trace.HasErrors)
	assert.False(t, trace.HasWarnings)
}

func TestMainRowFallsBackToFirstRow(t *testing.T) {
	rows := []tracelog.LogRow{
		row(1, "user signed in", tracelog.LevelWarning, 1, nil),
		row(2, "session refreshed", tracelog.LevelInfo, 1, nil),
	}

	s, err := Summarize(rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.MainLog.ID)
	assert.Equal(t, "user signed in", s.OperationName)
	assert.True(t, s.HasWarnings)
	assert.Equal(t, "-", s.Duration)
}

func TestDurationRollsUpEveryRow(t *testing.T) {
	rows := []tracelog.LogRow{
		lifecycle(1, "A", tracelog.PhaseStarted, 1, nil),
		lifecycle(2, "B", tracelog.PhaseStarted, 2, nil),
		lifecycle(3, "B", tracelog.PhaseCompleted, 2, map[string]any{"duration_ms": 12.5}),
		lifecycle(4, "A", tracelog.PhaseCompleted, 1, map[string]any{"duration_ms": 30.0}),
	}

	s, err := Summarize(rows)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, s.DurationMs, 0.001)
	assert.Equal(t, "42.5ms", s.Duration)
	assert.Equal(t, t0.Add(time.Millisecond), s.FirstAt)
	assert.Equal(t, t0.Add(4*time.Millisecond), s.LastAt)
}

func TestStepsSortedAndDecorated(t *testing.T) {
	late := lifecycle(1, "A", tracelog.PhaseCompleted, 1, map[string]any{"duration_ms": 5.0, "memory_used": 2048.0})
	late.CreatedAt = t0.Add(time.Second)
	rows := []tracelog.LogRow{
		late,
		lifecycle(3, "fetch api", tracelog.PhaseStarted, 3, nil),
		lifecycle(2, "A", tracelog.PhaseStarted, 1, nil),
	}
	rows[1].CreatedAt = t0
	rows[2].CreatedAt = t0

	trace, err := Reconstruct(rows)
	require.NoError(t, err)
	require.Len(t, trace.Steps, 3)

	ids := []int64{trace.Steps[0].Log.ID, trace.Steps[1].Log.ID, trace.Steps[2].Log.ID}
	assert.Equal(t, []int64{2, 3, 1}, ids)

	inner := trace.Steps[1]
	assert.Equal(t, "L3", inner.VisualIndicator)
	assert.Equal(t, 2, inner.IndentLevel)
	assert.Equal(t, "margin-left: 2rem;", inner.IndentStyle)
	assert.Equal(t, tracelog.CategoryFunctionCalls, inner.Category)

	done := trace.Steps[2]
	assert.Equal(t, 5.0, done.StepDuration)
	assert.Equal(t, 2048.0, done.MemoryUsed)
	assert.Equal(t, "info", done.StepIconClass)
	assert.Equal(t, 0, done.IndentLevel)
}

func TestFreeFormStepCategory(t *testing.T) {
	r := row(1, "Database query executed", tracelog.LevelDebug, 0, nil)
	r.Phase = tracelog.PhaseEvent

	step := newStep(r)
	assert.Equal(t, tracelog.CategoryDatabase, step.Category)
	assert.Equal(t, "L1", step.VisualIndicator)
	assert.Equal(t, "debug", step.StepIconClass)
	assert.Equal(t, "margin-left: 0rem;", step.IndentStyle)
}

func displayKeys(items []DisplayItem) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}

func TestDataDisplaySelection(t *testing.T) {
	props := map[string]any{
		"headers":          map[string]any{"accept": []any{"*/*"}},
		"user_id":          "N/A",
		"input_data":       map[string]any{"sku": "A1"},
		"session_id":       "[HIDDEN]",
		"request_id":       "req-1",
		"duration_ms":      4.0,
		"memory_used":      100.0,
		"result":           "ok",
		"order_id":         7.0,
		"category":         "Function Calls",
		"visual_indicator": "🔧",
		"request_info":     map[string]any{"url": "/x"},
	}

	tests := []struct {
		name  string
		phase tracelog.Phase
		depth int
		want  []string
	}{
		{"started outer", tracelog.PhaseStarted, 1, []string{"headers", "input_data", "request_id", "session_id"}},
		{"started inner drops headers", tracelog.PhaseStarted, 2, []string{"input_data", "request_id", "session_id"}},
		{"completed", tracelog.PhaseCompleted, 1, []string{"duration_ms", "headers", "memory_used", "result"}},
		{"failed", tracelog.PhaseFailed, 2, []string{"input_data", "order_id", "request_id", "result", "session_id", "user_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := lifecycle(1, "A", tt.phase, tt.depth, props)
			got := displayKeys(displayData(r, tt.depth))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("display keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "[Array]", preview(map[string]any{"a": 1}))
	assert.Equal(t, "[Array]", preview([]any{1, 2}))
	assert.Equal(t, "short", preview("short"))
	assert.Equal(t, "abcdefghijklmno...", preview("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "42", preview(42.0))
	assert.Equal(t, "4.5", preview(4.5))
	assert.Equal(t, "true", preview(true))
	assert.Equal(t, "null", preview(nil))
}

func TestRequestInfo(t *testing.T) {
	main := lifecycle(1, "A", tracelog.PhaseStarted, 1, map[string]any{
		"headers": map[string]any{"accept": []any{"*/*"}},
	})
	main.Controller = "OrderController"
	main.Method = "A"
	main.HTTPMethod = "POST"
	main.URL = "/orders"

	info := requestInfo(main)
	assert.Equal(t, "OrderController", info.Controller)
	assert.Equal(t, "POST", info.HTTPMethod)
	assert.Equal(t, "/orders", info.URL)
	assert.Equal(t, "Unknown", info.IPAddress)
	assert.Equal(t, "Unknown", info.UserAgent)
	assert.NotNil(t, info.Headers)

	main.Properties["requestInfo"] = map[string]any{"ip": "10.0.0.1", "user_agent": "curl/8"}
	info = requestInfo(main)
	assert.Equal(t, "10.0.0.1", info.IPAddress)
	assert.Equal(t, "curl/8", info.UserAgent)
}

func TestResponseInfo(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		resp := responseInfo(lifecycle(1, "A", tracelog.PhaseCompleted, 1, nil))
		want := ResponseInfo{StatusCode: "N/A", ContentType: "N/A", MemoryUsed: "N/A", Data: "N/A"}
		if diff := cmp.Diff(want, resp); diff != "" {
			t.Errorf("response mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("surfaced fields leave the payload", func(t *testing.T) {
		r := lifecycle(1, "A", tracelog.PhaseCompleted, 1, map[string]any{
			"memory_used": 512.0,
			"response_data": map[string]any{
				"status_code":  201.0,
				"content_type": "application/json",
				"headers":      map[string]any{"location": "/orders/7"},
				"id":           7.0,
			},
		})
		resp := responseInfo(r)
		assert.Equal(t, 201.0, resp.StatusCode)
		assert.Equal(t, "application/json", resp.ContentType)
		assert.Equal(t, 512.0, resp.MemoryUsed)
		assert.Equal(t, map[string]any{"location": "/orders/7"}, resp.Headers)
		assert.Equal(t, map[string]any{"id": 7.0}, resp.Data)
	})

	t.Run("status column fallback", func(t *testing.T) {
		r := lifecycle(1, "A", tracelog.PhaseCompleted, 1, map[string]any{})
		code := 200
		r.StatusCode = &code
		assert.Equal(t, 200, responseInfo(r).StatusCode)
	})
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", FormatDuration(0))
	assert.Equal(t, "50ms", FormatDuration(50))
	assert.Equal(t, "1.23ms", FormatDuration(1.234))
}

func TestFreeFormFailureIsFailedLog(t *testing.T) {
	rows := []tracelog.LogRow{
		lifecycle(1, "Checkout", tracelog.PhaseStarted, 1, nil),
		event(2, "Payment failed", tracelog.LevelError),
		lifecycle(3, "Checkout", tracelog.PhaseCompleted, 1, nil),
	}

	trace, err := Reconstruct(rows)
	require.NoError(t, err)
	assert.Equal(t, StatusError, trace.Status)
	require.NotNil(t, trace.FailedLog)
	assert.Equal(t, int64(2), trace.FailedLog.ID)
	require.NotNil(t, trace.CompletedLog)
	assert.Equal(t, int64(3), trace.CompletedLog.ID)
}
