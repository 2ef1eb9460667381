// Package retention deletes trace rows older than the configured window,
// on demand or on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrInvalidDays is returned for a retention window that is not a positive integer.
var ErrInvalidDays = errors.New("days must be a positive integer")

// ParseDays validates a retention window. An empty raw value yields fallback.
func ParseDays(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if fallback < 1 {
			return 0, fmt.Errorf("%w: got %d", ErrInvalidDays, fallback)
		}
		return fallback, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 {
		return 0, fmt.Errorf("%w: got %q", ErrInvalidDays, raw)
	}
	return days, nil
}

// Deleter removes rows created before a cutoff.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Observer receives cleanup outcomes.
type Observer interface {
	ObserveCleanup(deleted int64, at time.Time, err error)
}

// Result reports one cleanup run.
type Result struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
	Days    int       `json:"days"`
}

// Cleaner runs retention cleanup.
type Cleaner struct {
	store    Deleter
	days     int
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cleaner) { c.logger = l } }

// WithObserver sets the cleanup observer.
func WithObserver(o Observer) Option { return func(c *Cleaner) { c.observer = o } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cleaner) { c.now = now } }

// NewCleaner creates a Cleaner whose scheduled runs keep days days of rows.
func NewCleaner(store Deleter, days int, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:  store,
		days:   days,
		logger: zap.NewNop(),
		now:    time.Now,
		cron:   cron.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Days returns the configured retention window.
func (c *Cleaner) Days() int {
	return c.days
}

// Cleanup deletes rows older than days days. Invalid windows are rejected
// before anything is deleted.
func (c *Cleaner) Cleanup(ctx context.Context, days int) (Result, error) {
	if days < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidDays, days)
	}
	now := c.now()
	res := Result{Days: days, Cutoff: now.AddDate(0, 0, -days).UTC()}

	deleted, err := c.store.DeleteOlderThan(ctx, res.Cutoff)
	if c.observer != nil {
		c.observer.ObserveCleanup(deleted, now, err)
	}
	if err != nil {
		c.logger.Error("cleanup failed", zap.Int("days", days), zap.Error(err))
		return Result{}, fmt.Errorf("failed to delete old log entries: %w", err)
	}
	res.Deleted = deleted
	c.logger.Info("cleanup finished",
		zap.Int("days", days),
		zap.Int64("deleted", deleted),
		zap.Time("cutoff", res.Cutoff),
	)
	return res, nil
}

// Schedule registers a cron spec for automatic cleanup with the configured
// window. An empty spec leaves cleanup manual.
func (c *Cleaner) Schedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entryID != 0 {
		c.cron.Remove(c.entryID)
		c.entryID = 0
	}
	id, err := c.cron.AddFunc(spec, func() {
		_, _ = c.Cleanup(context.Background(), c.days)
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	c.entryID = id
	return nil
}

// Next returns the next scheduled run, or the zero time when unscheduled.
func (c *Cleaner) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entryID == 0 {
		return time.Time{}
	}
	return c.cron.Entry(c.entryID).Next
}

// Start starts the scheduler.
func (c *Cleaner) Start() {
	c.cron.Start()
}

// Stop stops the scheduler and waits for a running cleanup to finish.
func (c *Cleaner) Stop() {
	<-c.cron.Stop().Done()
}
