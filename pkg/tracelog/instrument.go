package tracelog

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"runtime"
	"time"

	"tracelog/pkg/scope"
)

// Instrument runs op as the named operation, recording a started row before it
// and a completed or failed row after it. The error returned by op and any
// panic raised by op reach the caller unchanged.
func Instrument[T any](ctx context.Context, r *Recorder, name string, input map[string]any, op func(context.Context) (T, error)) (T, error) {
	ctx, done := r.lifecycle(ctx)
	defer done()
	s := r.begin(ctx, name, input, 2)
	if s == nil {
		return op(ctx)
	}
	defer s.end()

	var (
		result T
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.fail(ctx, fmt.Sprint(p), "panic")
				panic(p)
			}
		}()
		result, err = op(ctx)
	}()

	if err != nil {
		s.fail(ctx, err.Error(), typeName(err))
		return result, err
	}
	s.complete(ctx, result)
	return result, nil
}

// Run is Instrument for operations without a result value.
func (r *Recorder) Run(ctx context.Context, name string, input map[string]any, op func(context.Context) error) error {
	ctx, done := r.lifecycle(ctx)
	defer done()
	s := r.begin(ctx, name, input, 2)
	if s == nil {
		return op(ctx)
	}
	defer s.end()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.fail(ctx, fmt.Sprint(p), "panic")
				panic(p)
			}
		}()
		err = op(ctx)
	}()

	if err != nil {
		s.fail(ctx, err.Error(), typeName(err))
		return err
	}
	s.complete(ctx, nil)
	return nil
}

// lifecycle opens a lifecycle with a fresh request id when ctx carries no
// request scope, so unrelated background jobs never share a trace. The
// returned function ends it.
func (r *Recorder) lifecycle(ctx context.Context) (context.Context, func()) {
	if info, ok := scope.FromContext(ctx); ok && info.RequestID != "" {
		return ctx, func() {}
	}
	info := r.background
	info.RequestID = scope.NewRequestID()
	return r.Begin(ctx, info)
}

// span is one in-flight instrumented operation.
type span struct {
	r        *Recorder
	info     scope.Info
	name     string
	input    map[string]any
	depth    int
	start    time.Time
	startMem int64
	file     string
	line     int
}

// begin registers the entry method and, when recording is enabled, pushes the
// call stack and writes the started row. It returns nil when disabled.
func (r *Recorder) begin(ctx context.Context, name string, input map[string]any, skip int) *span {
	info := r.info(ctx)
	r.registry.Entries.SetIfAbsent(info.RequestID, name)
	if !r.opts.Enabled {
		return nil
	}

	depth := r.registry.Stacks.Push(info.RequestID, name)
	_, file, line, _ := runtime.Caller(skip)

	in := make(map[string]any, len(input)+1)
	for k, v := range input {
		in[k] = v
	}
	if _, ok := in["headers"]; !ok && depth == 1 && len(info.Headers) > 0 {
		in["headers"] = map[string][]string(info.Headers)
	}

	s := &span{
		r:        r,
		info:     info,
		name:     name,
		input:    in,
		depth:    depth,
		start:    r.now(),
		startMem: r.memory(),
		file:     file,
		line:     line,
	}
	r.emit(ctx, info, event{
		message:   name + " started",
		level:     LevelInfo,
		phase:     PhaseStarted,
		operation: name,
		depth:     depth,
		data:      in,
	})
	return s
}

func (s *span) measure() (time.Duration, float64, int64) {
	elapsed := s.r.now().Sub(s.start)
	ms := math.Round(float64(elapsed.Microseconds())/10) / 100
	return elapsed, ms, s.r.memory() - s.startMem
}

func (s *span) complete(ctx context.Context, result any) {
	elapsed, ms, mem := s.measure()
	res := Classify(result)

	data := map[string]any{
		"duration_ms":   ms,
		"memory_used":   mem,
		"response_data": res.responseData(),
	}
	mergeAbsent(data, s.input)

	status := http.StatusOK
	if st, ok := res.status(); ok {
		status = st
	}
	s.r.emit(ctx, s.info, event{
		message:    s.name + " completed",
		level:      LevelInfo,
		phase:      PhaseCompleted,
		operation:  s.name,
		depth:      s.depth,
		data:       data,
		statusCode: &status,
		durationMs: &ms,
	})
	s.r.observer.OperationFinished(s.name, PhaseCompleted, elapsed)
}

func (s *span) fail(ctx context.Context, message, errType string) {
	elapsed, ms, mem := s.measure()

	data := map[string]any{
		"error":       message,
		"error_type":  errType,
		"duration_ms": ms,
		"memory_used": mem,
		"file":        s.file,
		"line":        s.line,
	}
	mergeAbsent(data, s.input)

	status := http.StatusInternalServerError
	s.r.emit(ctx, s.info, event{
		message:    s.name + " failed",
		level:      LevelError,
		phase:      PhaseFailed,
		operation:  s.name,
		depth:      s.depth,
		data:       data,
		statusCode: &status,
		durationMs: &ms,
	})
	s.r.observer.OperationFinished(s.name, PhaseFailed, elapsed)
}

func (s *span) end() {
	s.r.registry.Stacks.Pop(s.info.RequestID)
}

func mergeAbsent(dst, src map[string]any) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}
