package tracelog

import (
	"context"

	"go.uber.org/zap"
)

// FileSink writes rows through a zap logger, typically one writing JSON lines to a file.
type FileSink struct {
	logger *zap.Logger
}

// NewFileSink creates a sink writing to logger.
func NewFileSink(logger *zap.Logger) *FileSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{logger: logger}
}

// Write logs row at the zap level closest to its severity.
func (s *FileSink) Write(_ context.Context, row *LogRow) error {
	fields := []zap.Field{
		zap.String("request_id", row.RequestID),
		zap.String("severity", string(row.Level)),
		zap.String("controller", row.Controller),
		zap.String("method", row.Method),
		zap.Int("call_depth", row.CallDepth),
		zap.Any("context", row.Context),
	}
	if row.Phase != PhaseNone && row.Phase != PhaseEvent {
		fields = append(fields, zap.String("phase", string(row.Phase)), zap.String("operation", row.OperationName))
	}
	if row.Duration != nil {
		fields = append(fields, zap.Int("duration_ms", *row.Duration))
	}
	if row.StatusCode != nil {
		fields = append(fields, zap.Int("status_code", *row.StatusCode))
	}

	switch {
	case row.Level.AtLeast(LevelError):
		s.logger.Error(row.Message, fields...)
	case row.Level.AtLeast(LevelWarning):
		s.logger.Warn(row.Message, fields...)
	case row.Level == LevelDebug:
		s.logger.Debug(row.Message, fields...)
	default:
		s.logger.Info(row.Message, fields...)
	}
	return nil
}
