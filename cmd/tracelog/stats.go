package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"tracelog/internal/retention"
)

type statsConfig struct {
	*rootConfig
	days string
}

func (cfg *statsConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'd',
		LongName:    "days",
		Value:       ffval.NewValueDefault(&cfg.days, "7"),
		Usage:       "trailing window in days",
		Placeholder: "N",
	})
}

func (cfg *statsConfig) Exec(ctx context.Context, args []string) error {
	days, err := retention.ParseDays(cfg.days, 7)
	if err != nil {
		return err
	}

	database, store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := store.Statistics(ctx, days, time.Now())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cfg.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
