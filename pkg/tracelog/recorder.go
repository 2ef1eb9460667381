package tracelog

import (
	"context"
	"fmt"
	"math"
	rtmetrics "runtime/metrics"
	"time"

	"go.uber.org/zap"

	"tracelog/pkg/sanitize"
	"tracelog/pkg/scope"
)

// Sink persists rows. Errors returned by a sink never reach the instrumented code.
type Sink interface {
	Write(ctx context.Context, row *LogRow) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, row *LogRow) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, row *LogRow) error { return f(ctx, row) }

// Observer receives recorder activity, typically to export metrics.
type Observer interface {
	RowWritten(sink string, level Level)
	SinkFailed(sink string)
	OperationFinished(operation string, phase Phase, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) RowWritten(string, Level) {}
func (nopObserver) SinkFailed(string) {}
func (nopObserver) OperationFinished(string, Phase, time.Duration) {}

// Sink names reported to the Observer.
const (
	SinkDatabase = "database"
	SinkFile     = "file"
)

// Options controls which events are recorded and where they go.
type Options struct {
	Enabled         bool
	DatabaseLogging bool
	FileLogging     bool
	MinLevel        Level
	Controller      string
	MaxTracked      int
}

// DefaultOptions returns recording enabled, database logging on, file logging
// off and a minimum level of info.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		DatabaseLogging: true,
		MinLevel:        LevelInfo,
		MaxTracked:      scope.DefaultMaxTracked,
	}
}

// Recorder writes trace rows for log events and instrumented operations.
type Recorder struct {
	opts       Options
	db         Sink
	file       Sink
	registry   *scope.Registry
	observer   Observer
	logger     *zap.Logger
	now        func() time.Time
	memory     func() int64
	background scope.Info
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDatabaseSink sets the primary sink.
func WithDatabaseSink(s Sink) Option { return func(r *Recorder) { r.db = s } }

// WithFileSink sets the secondary sink.
func WithFileSink(s Sink) Option { return func(r *Recorder) { r.file = s } }

// WithRegistry shares per-request state with other recorders.
func WithRegistry(reg *scope.Registry) Option { return func(r *Recorder) { r.registry = reg } }

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option { return func(r *Recorder) { r.observer = o } }

// WithLogger sets the logger used to report sink failures.
func WithLogger(l *zap.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithMemoryProbe replaces the heap usage probe.
func WithMemoryProbe(f func() int64) Option { return func(r *Recorder) { r.memory = f } }

// WithBackground sets the request metadata used when a context carries none.
// Instrumented operations started without a request scope get a fresh id.
func WithBackground(info scope.Info) Option { return func(r *Recorder) { r.background = info } }

// New creates a Recorder.
func New(opts Options, options ...Option) *Recorder {
	if opts.MinLevel == "" {
		opts.MinLevel = LevelInfo
	}
	r := &Recorder{
		opts:       opts,
		observer:   nopObserver{},
		logger:     zap.NewNop(),
		now:        time.Now,
		memory:     heapInUse,
		background: scope.Background(""),
	}
	for _, o := range options {
		o(r)
	}
	if r.registry == nil {
		r.registry = scope.NewRegistry(opts.MaxTracked)
	}
	return r
}

// For returns a recorder attributing rows to controller. It shares sinks and
// per-request state with r.
func (r *Recorder) For(controller string) *Recorder {
	c := *r
	c.opts.Controller = controller
	return &c
}

// Registry returns the per-request state used by r.
func (r *Recorder) Registry() *scope.Registry {
	return r.registry
}

// Options returns the options r was built with.
func (r *Recorder) Options() Options {
	return r.opts
}

// Begin starts a request lifecycle for info and returns a context carrying it.
// The returned function ends the lifecycle.
func (r *Recorder) Begin(ctx context.Context, info scope.Info) (context.Context, func()) {
	if info.RequestID == "" {
		info.RequestID = scope.NewRequestID()
	}
	r.registry.Begin(info.RequestID)
	return scope.WithInfo(ctx, info), func() { r.registry.End(info.RequestID) }
}

// RequestID returns the request id rows written with ctx are correlated by.
func (r *Recorder) RequestID(ctx context.Context) string {
	return r.info(ctx).RequestID
}

// Log records a free-form event at level.
func (r *Recorder) Log(ctx context.Context, message string, data map[string]any, level Level) {
	if !r.opts.Enabled {
		return
	}
	info := r.info(ctx)
	r.emit(ctx, info, event{
		message: message,
		level:   level,
		phase:   PhaseEvent,
		depth:   r.registry.Stacks.Depth(info.RequestID),
		data:    data,
	})
}

// Debug records a debug event.
func (r *Recorder) Debug(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelDebug)
}

// Info records an info event.
func (r *Recorder) Info(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelInfo)
}

// Notice records a notice event.
func (r *Recorder) Notice(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelNotice)
}

// Warning records a warning event.
func (r *Recorder) Warning(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelWarning)
}

// Error records an error event.
func (r *Recorder) Error(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelError)
}

// Critical records a critical event.
func (r *Recorder) Critical(ctx context.Context, message string, data map[string]any) {
	r.Log(ctx, message, data, LevelCritical)
}

type event struct {
	message    string
	level      Level
	phase      Phase
	operation  string
	depth      int
	data       map[string]any
	statusCode *int
	durationMs *float64
}

func (r *Recorder) info(ctx context.Context) scope.Info {
	if info, ok := scope.FromContext(ctx); ok && info.RequestID != "" {
		return info
	}
	return r.background
}

func (r *Recorder) emit(ctx context.Context, info scope.Info, ev event) {
	if !ev.level.AtLeast(r.opts.MinLevel) {
		return
	}
	writeDB := r.opts.DatabaseLogging && r.db != nil
	writeFile := r.opts.FileLogging && r.file != nil
	if !writeDB && !writeFile {
		return
	}

	payload := sanitize.Map(enhance(ev.message, ev.data))
	row := &LogRow{
		RequestID:     info.RequestID,
		Level:         ev.level,
		Message:       ev.message,
		Context:       payload,
		Properties:    payload,
		Controller:    r.opts.Controller,
		Method:        r.registry.Entries.Get(info.RequestID),
		Phase:         ev.phase,
		OperationName: ev.operation,
		CallDepth:     max(1, ev.depth),
		IPAddress:     info.IPAddress,
		UserAgent:     info.UserAgent,
		URL:           info.URL,
		HTTPMethod:    info.HTTPMethod,
		StatusCode:    ev.statusCode,
		CreatedAt:     r.now(),
	}
	if ev.durationMs != nil {
		d := int(math.Round(*ev.durationMs))
		row.Duration = &d
	}
	if ev.phase == PhaseCompleted || ev.phase == PhaseFailed {
		mem := r.memory()
		row.MemoryUsage = &mem
	}

	// Writes outlive a cancelled request so its terminal rows are kept.
	ctx = context.WithoutCancel(ctx)
	if writeDB {
		r.deliver(ctx, SinkDatabase, r.db, row)
	}
	if writeFile {
		r.deliver(ctx, SinkFile, r.file, row)
	}
}

func (r *Recorder) deliver(ctx context.Context, name string, s Sink, row *LogRow) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("trace sink panicked", zap.String("sink", name), zap.Any("panic", p))
			r.observer.SinkFailed(name)
		}
	}()
	if err := s.Write(ctx, row); err != nil {
		r.logger.Debug("failed to write trace row",
			zap.String("sink", name),
			zap.String("request_id", row.RequestID),
			zap.Error(err))
		r.observer.SinkFailed(name)
		return
	}
	r.observer.RowWritten(name, row.Level)
}

// enhance returns data plus the derived display metadata. Keys already present
// in data are kept.
func enhance(message string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = normalize(v)
	}
	category := Categorize(message)
	if _, ok := out["category"]; !ok {
		out["category"] = category
	}
	if _, ok := out["visual_indicator"]; !ok {
		out["visual_indicator"] = Glyph(category)
	}
	return out
}

func heapInUse() int64 {
	samples := []rtmetrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return int64(samples[0].Value.Uint64())
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
