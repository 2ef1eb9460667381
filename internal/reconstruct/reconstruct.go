// Package reconstruct rebuilds the hierarchical view of a trace from its flat rows.
package reconstruct

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"tracelog/pkg/tracelog"
)

// ErrNotFound is returned when a trace has no rows.
var ErrNotFound = errors.New("trace not found")

// Status is the terminal state of a trace.
type Status string

// Trace statuses.
const (
	StatusError   Status = "error"
	StatusSuccess Status = "success"
	StatusInfo    Status = "info"
)

const notAvailable = "N/A"

// RequestInfo is the request metadata captured on the entry row.
type RequestInfo struct {
	Controller string `json:"controller"`
	Method     string `json:"method"`
	HTTPMethod string `json:"http_method"`
	URL        string `json:"url"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	Headers    any    `json:"headers,omitempty"`
}

// ResponseInfo is the response metadata captured on the entry operation's completion row.
type ResponseInfo struct {
	StatusCode  any `json:"status_code"`
	ContentType any `json:"content_type"`
	MemoryUsed  any `json:"memory_used"`
	Data        any `json:"data"`
	Headers     any `json:"headers,omitempty"`
}

// Summary is the list-view representation of a trace.
type Summary struct {
	RequestID     string          `json:"request_id"`
	MainLog       tracelog.LogRow `json:"main_log"`
	OperationName string          `json:"operation_name"`
	Status        Status          `json:"status"`
	Duration      string          `json:"duration"`
	DurationMs    float64         `json:"duration_ms"`
	StepCount     int             `json:"step_count"`
	HasErrors     bool            `json:"has_errors"`
	HasWarnings   bool            `json:"has_warnings"`
	FirstAt       time.Time       `json:"first_at"`
	LastAt        time.Time       `json:"last_at"`
	RequestInfo   RequestInfo     `json:"request_info"`
}

// Trace is the detail-view representation of a trace.
type Trace struct {
	Summary
	Steps        []Step          `json:"steps"`
	Response     ResponseInfo    `json:"response_data"`
	CompletedLog *tracelog.LogRow `json:"completed_log,omitempty"`
	FailedLog    *tracelog.LogRow `json:"failed_log,omitempty"`
}

// analysis holds what both views derive from the rows.
type analysis struct {
	rows      []tracelog.LogRow
	main      tracelog.LogRow
	name      string
	completed *tracelog.LogRow
	failed    *tracelog.LogRow
}

func analyze(rows []tracelog.LogRow) (*analysis, error) {
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	a := &analysis{rows: rows, main: rows[0]}

	for _, row := range rows {
		if row.EffectivePhase() == tracelog.PhaseStarted {
			a.main = row
			break
		}
	}
	a.name = a.main.EffectiveOperation()
	if a.main.EffectivePhase() != tracelog.PhaseStarted {
		a.name = strings.TrimSuffix(a.main.Message, " started")
	}

	for i := range rows {
		if rows[i].EffectivePhase() == tracelog.PhaseCompleted && completes(&rows[i], &a.main, a.name) {
			a.completed = &rows[i]
			break
		}
	}
	for i := range rows {
		if isFailure(&rows[i]) {
			a.failed = &rows[i]
			break
		}
	}
	return a, nil
}

// isFailure reports whether row records a failure: a failed lifecycle row, or
// a free-form event whose message mentions one.
func isFailure(row *tracelog.LogRow) bool {
	switch row.EffectivePhase() {
	case tracelog.PhaseFailed:
		return true
	case tracelog.PhaseEvent, tracelog.PhaseNone:
		return strings.Contains(row.Message, "failed")
	}
	return false
}

// completes reports whether row is the completion of the entry operation.
// Rows carrying explicit operation names are matched exactly.
func completes(row, main *tracelog.LogRow, name string) bool {
	if row.OperationName != "" && main.OperationName != "" {
		return row.OperationName == main.OperationName
	}
	return strings.Contains(row.Message, name)
}

func (a *analysis) summary() Summary {
	s := Summary{
		RequestID:     a.main.RequestID,
		MainLog:       a.main,
		OperationName: a.name,
		StepCount:     len(a.rows),
		RequestInfo:   requestInfo(a.main),
	}

	switch {
	case a.failed != nil:
		s.Status = StatusError
	case a.completed != nil:
		s.Status = StatusSuccess
	default:
		s.Status = StatusInfo
	}

	for i, row := range a.rows {
		if ms, ok := number(row.Properties["duration_ms"]); ok {
			s.DurationMs += ms
		}
		switch row.Level {
		case tracelog.LevelError, tracelog.LevelCritical, tracelog.LevelAlert, tracelog.LevelEmergency:
			s.HasErrors = true
		case tracelog.LevelWarning:
			s.HasWarnings = true
		}
		if i == 0 || row.CreatedAt.Before(s.FirstAt) {
			s.FirstAt = row.CreatedAt
		}
		if row.CreatedAt.After(s.LastAt) {
			s.LastAt = row.CreatedAt
		}
	}
	s.DurationMs = round2(s.DurationMs)
	s.Duration = FormatDuration(s.DurationMs)
	return s
}

// Summarize builds the list-view summary of a trace.
func Summarize(rows []tracelog.LogRow) (*Summary, error) {
	a, err := analyze(rows)
	if err != nil {
		return nil, err
	}
	s := a.summary()
	return &s, nil
}

// Reconstruct builds the detail view of a trace. rows must be in the order
// they were recorded; steps are sorted by creation time, then id.
func Reconstruct(rows []tracelog.LogRow) (*Trace, error) {
	a, err := analyze(rows)
	if err != nil {
		return nil, err
	}

	sorted := make([]tracelog.LogRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	t := &Trace{
		Summary:      a.summary(),
		Steps:        make([]Step, len(sorted)),
		CompletedLog: a.completed,
		FailedLog:    a.failed,
	}
	for i, row := range sorted {
		t.Steps[i] = newStep(row)
	}
	if a.completed != nil {
		t.Response = responseInfo(*a.completed)
	}
	return t, nil
}

// FormatDuration renders a millisecond total, or "-" when it is zero.
func FormatDuration(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	return strconv.FormatFloat(round2(ms), 'f', -1, 64) + "ms"
}

func requestInfo(main tracelog.LogRow) RequestInfo {
	info := RequestInfo{
		Controller: orUnknown(main.Controller),
		Method:     orUnknown(main.Method),
		HTTPMethod: orUnknown(main.HTTPMethod),
		URL:        orUnknown(main.URL),
		IPAddress:  orUnknown(main.IPAddress),
		UserAgent:  orUnknown(main.UserAgent),
	}
	if h, ok := main.Properties["headers"]; ok {
		info.Headers = h
	}

	override, _ := main.Properties["request_info"].(map[string]any)
	if override == nil {
		override, _ = main.Properties["requestInfo"].(map[string]any)
	}
	for _, o := range []struct {
		key string
		dst *string
	}{
		{"method", &info.HTTPMethod},
		{"http_method", &info.HTTPMethod},
		{"url", &info.URL},
		{"ip", &info.IPAddress},
		{"ip_address", &info.IPAddress},
		{"user_agent", &info.UserAgent},
	} {
		if v, ok := override[o.key].(string); ok && v != "" {
			*o.dst = v
		}
	}
	if h, ok := override["headers"]; ok {
		info.Headers = h
	}
	return info
}

func responseInfo(completed tracelog.LogRow) ResponseInfo {
	resp := ResponseInfo{
		StatusCode:  notAvailable,
		ContentType: notAvailable,
		MemoryUsed:  notAvailable,
		Data:        notAvailable,
	}

	payload, _ := completed.Properties["response_data"].(map[string]any)
	data := make(map[string]any, len(payload))
	for k, v := range payload {
		data[k] = v
	}

	if v, ok := completed.Properties["status_code"]; ok && v != nil {
		resp.StatusCode = v
	} else if v, ok := data["status_code"]; ok && v != nil {
		resp.StatusCode = v
	} else if completed.StatusCode != nil {
		resp.StatusCode = *completed.StatusCode
	}
	if v, ok := completed.Properties["content_type"]; ok && v != nil {
		resp.ContentType = v
	} else if v, ok := data["content_type"]; ok && v != nil {
		resp.ContentType = v
	}
	if v, ok := completed.Properties["memory_used"]; ok && v != nil {
		resp.MemoryUsed = v
	}
	if v, ok := data["headers"]; ok {
		resp.Headers = v
	}

	delete(data, "status_code")
	delete(data, "content_type")
	delete(data, "headers")
	if payload != nil {
		resp.Data = data
	}
	return resp
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// number converts JSON-decoded numeric values.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
