package main

import (
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"

	"tracelog/internal/config"
	"tracelog/internal/db"
	"tracelog/internal/logging"
	"tracelog/internal/logstore"
)

type rootConfig struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'c',
		LongName:    "config",
		Value:       ffval.NewValue(&cfg.configPath),
		Usage:       "path to config.yaml (default: search ., ./config, /etc/tracelog)",
		Placeholder: "PATH",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log-level",
		Value:       ffval.NewValue(&cfg.logLevel),
		Usage:       "service log level: debug, info, warn, error (overrides app.log_level)",
		Placeholder: "LEVEL",
	})
}

// setup loads configuration and builds the service logger.
func (cfg *rootConfig) setup() error {
	c, err := config.Load(cfg.configPath)
	if err != nil {
		return err
	}
	if cfg.logLevel != "" {
		c.App.LogLevel = cfg.logLevel
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       c.App.LogLevel,
		Development: c.App.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.App.LogLevel, err)
	}

	cfg.cfg = c
	cfg.logger = logger
	return nil
}

// openStore opens and migrates the configured database.
func (cfg *rootConfig) openStore() (*db.DB, *logstore.Store, error) {
	database, err := db.New(cfg.cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, err
	}
	cfg.logger.Debug("database ready", zap.String("path", database.Path()))
	return database, logstore.New(database, cfg.logger.Named("logstore")), nil
}
