// Package tracelog records request-scoped, hierarchical trace rows around
// instrumented operations.
package tracelog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a row.
type Level string

// Levels in ascending severity.
const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelNotice    Level = "notice"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelCritical  Level = "critical"
	LevelAlert     Level = "alert"
	LevelEmergency Level = "emergency"
)

// ErrInvalidLevel is returned by ParseLevel for unknown level names.
var ErrInvalidLevel = errors.New("invalid log level")

var levelSeverity = map[Level]int{
	LevelDebug:     0,
	LevelInfo:      1,
	LevelNotice:    2,
	LevelWarning:   3,
	LevelError:     4,
	LevelCritical:  5,
	LevelAlert:     6,
	LevelEmergency: 7,
}

// Levels returns every level in ascending severity.
func Levels() []Level {
	return []Level{LevelDebug, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelCritical, LevelAlert, LevelEmergency}
}

// ParseLevel parses a case-insensitive level name. "warn" is accepted for warning.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warn" {
		l = LevelWarning
	}
	if _, ok := levelSeverity[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return l, nil
}

// Severity returns the numeric rank of l. Unknown levels rank as info.
func (l Level) Severity() int {
	if s, ok := levelSeverity[l]; ok {
		return s
	}
	return levelSeverity[LevelInfo]
}

// AtLeast reports whether l is at or above min.
func (l Level) AtLeast(min Level) bool {
	return l.Severity() >= min.Severity()
}

// Phase is the lifecycle position of a row within an instrumented operation.
type Phase string

// Phases. Instrument writes started, completed and failed; Log writes event.
// Rows persisted without a phase column have PhaseNone.
const (
	PhaseNone      Phase = ""
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseEvent     Phase = "event"
)

// LogRow is one persisted trace event.
type LogRow struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id"`
	Level         Level          `json:"level"`
	Message       string         `json:"message"`
	Context       map[string]any `json:"context"`
	Properties    map[string]any `json:"properties"`
	Controller    string         `json:"controller"`
	Method        string         `json:"method"`
	Phase         Phase          `json:"phase,omitempty"`
	OperationName string         `json:"operation_name,omitempty"`
	CallDepth     int            `json:"call_depth"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	URL           string         `json:"url"`
	HTTPMethod    string         `json:"http_method"`
	StatusCode    *int           `json:"status_code"`
	Duration      *int           `json:"duration"`
	MemoryUsage   *int64         `json:"memory_usage"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EffectivePhase returns the explicit phase, or derives it from the message
// for rows written without one.
func (r *LogRow) EffectivePhase() Phase {
	if r.Phase != PhaseNone {
		return r.Phase
	}
	switch {
	case strings.HasSuffix(r.Message, " started"):
		return PhaseStarted
	case strings.Contains(r.Message, "failed"):
		return PhaseFailed
	case strings.Contains(r.Message, "completed"):
		return PhaseCompleted
	}
	return PhaseNone
}

// EffectiveOperation returns the explicit operation name, or the message with
// its lifecycle suffix stripped.
func (r *LogRow) EffectiveOperation() string {
	if r.OperationName != "" {
		return r.OperationName
	}
	for _, suffix := range []string{" started", " completed", " failed"} {
		if strings.HasSuffix(r.Message, suffix) {
			return strings.TrimSuffix(r.Message, suffix)
		}
	}
	return r.Message
}

// Property returns properties[key] and whether it was present.
func (r *LogRow) Property(key string) (any, bool) {
	if r.Properties == nil {
		return nil, false
	}
	v, ok := r.Properties[key]
	return v, ok
}
