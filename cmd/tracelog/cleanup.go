package main

import (
	"context"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"tracelog/internal/retention"
)

type cleanupConfig struct {
	*rootConfig
	days string
}

func (cfg *cleanupConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'd',
		LongName:    "days",
		Value:       ffval.NewValue(&cfg.days),
		Usage:       "delete rows older than this many days (default: retention.cleanup_old_logs_days)",
		Placeholder: "N",
		NoDefault:   true,
	})
}

func (cfg *cleanupConfig) Exec(ctx context.Context, args []string) error {
	days, err := retention.ParseDays(cfg.days, cfg.cfg.Retention.CleanupOldLogsDays)
	if err != nil {
		return err
	}

	database, store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	cleaner := retention.NewCleaner(store, days, retention.WithLogger(cfg.logger.Named("retention")))
	res, err := cleaner.Cleanup(ctx, days)
	if err != nil {
		return err
	}

	fmt.Fprintf(cfg.stdout, "Deleted %d log entries older than %s\n", res.Deleted, res.Cutoff.Format(time.DateTime))
	return nil
}
