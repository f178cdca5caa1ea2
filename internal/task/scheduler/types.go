package scheduler

import (
	"context"
	"time"

	"tgninja/internal/runtime/supervisor"
	"tgninja/internal/storage"
)

// Config controls tick cadence and activity retention.
type Config struct {
	Enabled       bool
	BroadcastTick time.Duration // default 1m
	CommentTick   time.Duration // default 5m
	// ActivityCleanup is a cron or interval schedule, see ParseSchedule.
	ActivityCleanup   string
	ActivityRetention time.Duration // default 30 days
	Timezone          string        // IANA TZ, e.g. "Asia/Jakarta"
}

func (c Config) withDefaults() Config {
	if c.BroadcastTick <= 0 {
		c.BroadcastTick = time.Minute
	}
	if c.CommentTick <= 0 {
		c.CommentTick = 5 * time.Minute
	}
	if c.ActivityCleanup == "" {
		c.ActivityCleanup = "0 0 3 * * *"
	}
	if c.ActivityRetention <= 0 {
		c.ActivityRetention = 30 * 24 * time.Hour
	}
	return c
}

// Dispatcher runs one due recurring job. It must refuse a job that already
// has a live run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job storage.Job) (*supervisor.Task, error)
}

// Store is the slice of storage.Store the scheduler reads and prunes.
type Store interface {
	FindDueJobs(ctx context.Context, kind storage.Kind, now time.Time) ([]storage.Job, error)
	PruneActivity(ctx context.Context, before time.Time) (int64, error)
}

// TickReport counts what one tick did.
type TickReport struct {
	Kind       storage.Kind
	Due        int
	Dispatched int
	// Skipped jobs were still running or were claimed by another process.
	Skipped int
	Failed  int
}

// ScheduleInfo describes one registered cron entry.
type ScheduleInfo struct {
	Name   string
	Spec   string
	Spread time.Duration
	Next   time.Time
	Prev   time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
