package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"

	"tracelog/internal/logging"
	"tracelog/internal/logstore"
	"tracelog/internal/metrics"
	"tracelog/internal/reconstruct"
	"tracelog/pkg/scope"
	"tracelog/pkg/tracelog"
)

var errGatewayTimeout = errors.New("payment gateway timeout")

type demoConfig struct {
	*rootConfig
	quick bool
	clean bool
}

func (cfg *demoConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName: 'q',
		LongName:  "quick",
		Value:     ffval.NewValue(&cfg.quick),
		Usage:     "record only the success and failure traces",
		NoDefault: true,
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "clean",
		Value:     ffval.NewValue(&cfg.clean),
		Usage:     "delete every stored row before recording",
		NoDefault: true,
	})
}

func (cfg *demoConfig) Exec(ctx context.Context, args []string) error {
	database, store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	if cfg.clean {
		n, err := store.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
		if err != nil {
			return err
		}
		fmt.Fprintf(cfg.stdout, "Removed %d existing rows\n", n)
	}

	options := []tracelog.Option{
		tracelog.WithDatabaseSink(store),
		tracelog.WithObserver(metrics.New()),
		tracelog.WithLogger(cfg.logger.Named("recorder")),
	}
	if cfg.cfg.Logging.FileLogging {
		fileLogger, err := logging.NewFile(cfg.cfg.Logging.FilePath)
		if err != nil {
			return err
		}
		defer func() { _ = fileLogger.Sync() }()
		options = append(options, tracelog.WithFileSink(tracelog.NewFileSink(fileLogger)))
	}
	rec := tracelog.New(cfg.cfg.Logging.RecorderOptions(), options...).For("DemoController")

	scenarios := []struct {
		name  string
		quick bool
		run   func(context.Context, *tracelog.Recorder) string
	}{
		{"nested success", true, demoCheckout},
		{"failure", true, demoRefund},
		{"level mix", false, demoLevels},
		{"http request", false, func(ctx context.Context, rec *tracelog.Recorder) string {
			return demoHTTP(ctx, rec, cfg.cfg.Logging.RequestIDHeader)
		}},
	}

	for _, s := range scenarios {
		if cfg.quick && !s.quick {
			continue
		}
		requestID := s.run(ctx, rec)
		if err := cfg.report(ctx, store, s.name, requestID); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *demoConfig) report(ctx context.Context, store *logstore.Store, name, requestID string) error {
	rows, err := store.RowsForRequest(ctx, requestID)
	if err != nil {
		return err
	}
	summary, err := reconstruct.Summarize(rows)
	if errors.Is(err, reconstruct.ErrNotFound) {
		fmt.Fprintf(cfg.stdout, "%-16s %s  nothing recorded (check logging.enabled and logging.log_level)\n", name, requestID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cfg.stdout, "%-16s %s  %-7s %-14s steps=%d duration=%s\n",
		name, requestID, summary.Status, summary.OperationName, summary.StepCount, summary.Duration)
	cfg.logger.Debug("demo trace recorded", zap.String("scenario", name), zap.String("request_id", requestID))
	return nil
}

func demoCheckout(ctx context.Context, rec *tracelog.Recorder) string {
	ctx, end := rec.Begin(ctx, scope.Background(""))
	defer end()

	_, _ = tracelog.Instrument(ctx, rec, "checkout", map[string]any{"user_id": 42, "cart_items": 3},
		func(ctx context.Context) (tracelog.StructuredData, error) {
			rec.Info(ctx, "Validating cart", map[string]any{"items": 3})
			charge, err := tracelog.Instrument(ctx, rec, "chargeCard", map[string]any{"amount": 59.90, "card_number": "4111111111111111"},
				func(ctx context.Context) (tracelog.StructuredData, error) {
					time.Sleep(5 * time.Millisecond)
					return tracelog.StructuredData{"charge_id": "ch_demo", "status": "captured"}, nil
				})
			if err != nil {
				return nil, err
			}
			rec.Info(ctx, "Sending confirmation email", map[string]any{"email": "buyer@example.com"})
			return tracelog.StructuredData{"order_id": 1001, "charge": charge["charge_id"]}, nil
		})
	return rec.RequestID(ctx)
}

func demoRefund(ctx context.Context, rec *tracelog.Recorder) string {
	ctx, end := rec.Begin(ctx, scope.Background(""))
	defer end()

	_ = rec.Run(ctx, "refundOrder", map[string]any{"order_id": 1001, "password": "hunter2"}, func(ctx context.Context) error {
		rec.Warning(ctx, "Retrying payment gateway", map[string]any{"attempt": 2})
		return errGatewayTimeout
	})
	return rec.RequestID(ctx)
}

func demoLevels(ctx context.Context, rec *tracelog.Recorder) string {
	ctx, end := rec.Begin(ctx, scope.Background(""))
	defer end()

	rec.Debug(ctx, "Cache lookup", map[string]any{"key": "user:42", "hit": false})
	rec.Info(ctx, "Database query executed", map[string]any{"table": "orders", "rows": 12})
	rec.Notice(ctx, "Inventory below threshold", map[string]any{"sku": "SKU-7", "remaining": 4})
	rec.Warning(ctx, "Slow API response", map[string]any{"endpoint": "/v1/rates", "ms": 1800})
	rec.Error(ctx, "Validation failed", map[string]any{"field": "email"})
	rec.Critical(ctx, "Queue backlog exceeded", map[string]any{"depth": 10000})
	return rec.RequestID(ctx)
}

// demoHTTP drives one request through the recorder middleware.
func demoHTTP(ctx context.Context, rec *tracelog.Recorder, header string) string {
	if header == "" {
		header = scope.DefaultRequestIDHeader
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		resp, _ := tracelog.Instrument(r.Context(), rec, "showProfile", map[string]any{"user_id": 7},
			func(ctx context.Context) (tracelog.ResponseLike, error) {
				rec.Info(ctx, "Profile loaded", map[string]any{"user_id": 7})
				return tracelog.ResponseLike{
					Status:      http.StatusOK,
					ContentType: "application/json",
					Body:        map[string]any{"id": 7, "name": "Ada"},
				}, nil
			})
		w.Header().Set("Content-Type", resp.ContentType)
		w.WriteHeader(resp.Status)
	})

	req := httptest.NewRequest(http.MethodGet, "/profile", nil).WithContext(ctx)
	req.Header.Set(header, scope.NewRequestID())
	req.Header.Set("User-Agent", "tracelog-demo")
	w := httptest.NewRecorder()
	tracelog.Middleware(rec, header)(mux).ServeHTTP(w, req)
	return w.Header().Get(header)
}
