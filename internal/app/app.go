// Package app wires configuration into the attendance stack shared by the
// binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/feed"
	"rollcall/internal/livesync"
	"rollcall/internal/queue"
	"rollcall/internal/scanport"
	"rollcall/internal/store"
)

const (
	// JobsKey is the Redis list holding recount jobs.
	JobsKey = "rollcall:jobs"
	// FeedPrefix namespaces per-session change channels in Redis.
	FeedPrefix = "rollcall:session:"
)

// Deps are the long-lived collaborators built from config.
type Deps struct {
	Backend attendance.Backend
	DB      *store.DB
	Redis   *store.Redis
	Jobs    queue.Queue
	Feed    feed.Feed
	Source  livesync.Source
	// LocalJobs is set when jobs only live in this process, so this process
	// must consume them too.
	LocalJobs bool
}

// Build connects to the configured backends. Postgres schemas are migrated
// on the way.
func Build(ctx context.Context, cfg config.App, log *zap.Logger) (*Deps, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Deps{}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		m := attendance.NewMemoryStore()
		m.StrictDedup = cfg.StrictDedup
		d.Backend = m
		log.Warn("using in-memory store; data is lost on exit")
	default:
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		db, err := store.NewDB(connCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.DB = db
		repo := attendance.NewRepository(db.Client)
		repo.StrictDedup = cfg.StrictDedup
		if err := repo.Migrate(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		d.Backend = repo
	}

	if cfg.QueueBackend == config.BackendRedis || cfg.FeedBackend == config.BackendRedis {
		d.Redis = store.NewRedis(cfg.RedisAddr)
		if !d.Redis.Healthy(ctx) {
			log.Warn("redis not reachable yet", zap.String("addr", cfg.RedisAddr))
		}
	}

	switch cfg.QueueBackend {
	case config.BackendMemory:
		d.Jobs = queue.NewInMemory(256)
		d.LocalJobs = true
	default:
		d.Jobs = queue.NewRedisQueue(d.Redis.Client, JobsKey)
	}

	switch cfg.FeedBackend {
	case config.BackendMemory:
		d.Feed = feed.NewInMemory()
	case config.BackendRedis:
		d.Feed = feed.NewRedis(d.Redis.Client, FeedPrefix)
	default:
		d.Feed = feed.NewPGListener(d.DB.URL)
	}

	src, err := livesync.New(cfg.SyncMode, cfg.PollInterval, d.Feed, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Source = src

	log.Info("attendance stack ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend),
		zap.String("feed", cfg.FeedBackend),
		zap.String("sync", cfg.SyncMode),
		zap.Bool("strict_dedup", cfg.StrictDedup))
	return d, nil
}

// TrackerOptions are the per-view settings every tracker of this process uses.
func (d *Deps) TrackerOptions(cfg config.App, log *zap.Logger) attendance.Options {
	return attendance.Options{
		Source: d.Source,
		Feed:   d.Feed,
		Jobs:   d.Jobs,
		Log:    log,
		Retry:  attendance.RetryPolicy{Attempts: cfg.WriteRetries, Base: attendance.DefaultRetry.Base},
	}
}

// ScanOptions are the scan port settings from config.
func ScanOptions(cfg config.App) scanport.Options {
	return scanport.Options{Idle: cfg.ScanIdle, MinLength: cfg.ScanMinLen}
}

// Checks are the dependency health checks for /healthz.
func (d *Deps) Checks() map[string]func(context.Context) bool {
	checks := map[string]func(context.Context) bool{}
	if d.DB != nil {
		checks["db"] = d.DB.Healthy
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Healthy
	}
	return checks
}

// Close releases connections.
func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
