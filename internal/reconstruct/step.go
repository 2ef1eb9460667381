package reconstruct

import (
	"fmt"
	"sort"

	"tracelog/pkg/tracelog"
)

// previewLimit is the longest string value shown unabridged in a preview.
const previewLimit = 15

// Step is one row of a trace decorated for display.
type Step struct {
	Log             tracelog.LogRow `json:"log"`
	Category        string          `json:"category"`
	VisualIndicator string          `json:"visual_indicator"`
	StepDuration    any             `json:"step_duration"`
	MemoryUsed      any             `json:"memory_used"`
	DataDisplay     []DisplayItem   `json:"data_display"`
	StepIconClass   string          `json:"step_icon_class"`
	IndentLevel     int             `json:"indent_level"`
	IndentStyle     string          `json:"indent_style"`
}

// DisplayItem is one property surfaced in the compact rendering of a step.
type DisplayItem struct {
	Key        string `json:"key"`
	Value      any    `json:"value"`
	Preview    string `json:"preview"`
	BadgeClass string `json:"badge_class"`
}

// hidden keys are derived metadata and never displayed.
var hidden = map[string]bool{
	"visual_indicator": true,
	"category":         true,
	"request_info":     true,
}

var (
	startedKeys   = map[string]bool{"headers": true, "user_id": true, "input_data": true, "session_id": true, "request_id": true}
	completedKeys = map[string]bool{"duration_ms": true, "memory_used": true, "headers": true, "result": true, "response_data": true}
	metricKeys    = map[string]bool{"duration_ms": true, "memory_used": true}
)

func newStep(row tracelog.LogRow) Step {
	depth := row.CallDepth
	if depth < 1 {
		depth = 1
	}
	indent := depth - 1

	return Step{
		Log:             row,
		Category:        tracelog.Categorize(categorySource(row)),
		VisualIndicator: fmt.Sprintf("L%d", depth),
		StepDuration:    row.Properties["duration_ms"],
		MemoryUsed:      row.Properties["memory_used"],
		DataDisplay:     displayData(row, depth),
		StepIconClass:   iconClass(row.Level),
		IndentLevel:     indent,
		IndentStyle:     fmt.Sprintf("margin-left: %drem;", indent),
	}
}

// categorySource returns the text the category heuristic runs on. Lifecycle
// rows are categorized as function calls regardless of their message.
func categorySource(row tracelog.LogRow) string {
	switch row.EffectivePhase() {
	case tracelog.PhaseStarted:
		return row.EffectiveOperation() + " started"
	case tracelog.PhaseCompleted:
		return row.EffectiveOperation() + " completed"
	}
	return row.Message
}

func displayData(row tracelog.LogRow, depth int) []DisplayItem {
	phase := row.EffectivePhase()
	items := []DisplayItem{}
	for key, value := range row.Properties {
		if hidden[key] {
			continue
		}
		if key == "headers" && depth != 1 {
			continue
		}
		switch phase {
		case tracelog.PhaseStarted:
			if !startedKeys[key] {
				continue
			}
			if key == "user_id" && !present(value) {
				continue
			}
		case tracelog.PhaseCompleted:
			if !completedKeys[key] {
				continue
			}
		default:
			if metricKeys[key] {
				continue
			}
		}
		items = append(items, DisplayItem{
			Key:        key,
			Value:      value,
			Preview:    preview(value),
			BadgeClass: badgeClass(key),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items
}

func present(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case string:
		return s != "" && s != notAvailable
	}
	return true
}

func preview(v any) string {
	switch t := v.(type) {
	case map[string]any, []any, []string, map[string]string:
		return "[Array]"
	case nil:
		return "null"
	case string:
		if r := []rune(t); len(r) > previewLimit {
			return string(r[:previewLimit]) + "..."
		}
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return FormatNumber(t)
	}
	return fmt.Sprint(v)
}

// FormatNumber renders a JSON number without a trailing fraction when integral.
func FormatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

var badgeClasses = map[string]string{
	"duration_ms": "bg-green-100 text-green-800",
	"memory_used": "bg-purple-100 text-purple-800",
	"headers":     "bg-blue-100 text-blue-800",
	"user_id":     "bg-gray-100 text-gray-800",
	"input_data":  "bg-yellow-100 text-yellow-800",
	"session_id":  "bg-indigo-100 text-indigo-800",
	"request_id":  "bg-pink-100 text-pink-800",
	"result":      "bg-emerald-100 text-emerald-800",
	"error":       "bg-red-100 text-red-800",
}

func badgeClass(key string) string {
	if c, ok := badgeClasses[key]; ok {
		return c
	}
	return "bg-gray-100 text-gray-800"
}

func iconClass(level tracelog.Level) string {
	switch level {
	case tracelog.LevelError, tracelog.LevelCritical, tracelog.LevelAlert, tracelog.LevelEmergency:
		return "error"
	case tracelog.LevelWarning:
		return "warning"
	case tracelog.LevelDebug:
		return "debug"
	}
	return "info"
}
