// Package livesync decides when an open session view refetches attendance.
//
// Both strategies satisfy the same contract: Run calls refresh whenever the
// view may be stale and returns once ctx is cancelled. Refresh must be safe to
// call repeatedly.
package livesync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/feed"
)

const (
	ModePoll = "poll"
	ModePush = "push"

	DefaultPollInterval = 2 * time.Second
)

// RefreshFunc refetches the authoritative present set.
type RefreshFunc func(ctx context.Context)

// Source drives refreshes for one session until ctx is done.
type Source interface {
	Run(ctx context.Context, sessionID string, refresh RefreshFunc) error
}

// Poller refreshes on a fixed interval.
type Poller struct {
	Interval time.Duration
}

// Run ticks until ctx is cancelled.
func (p Poller) Run(ctx context.Context, sessionID string, refresh RefreshFunc) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh(ctx)
		}
	}
}

// Push refreshes when the feed reports a change for the session.
type Push struct {
	Feed feed.Feed
	Log  *zap.Logger
	// Retry is the delay before resubscribing after the feed drops.
	Retry time.Duration
}

// Run subscribes, refreshing once per subscription to cover changes made
// while no subscription was held.
func (p Push) Run(ctx context.Context, sessionID string, refresh RefreshFunc) error {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	retry := p.Retry
	if retry <= 0 {
		retry = time.Second
	}

	for {
		changes, err := p.Feed.Subscribe(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("change feed subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			refresh(ctx)
			for range changes {
				refresh(ctx)
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("change feed closed, resubscribing", zap.String("session_id", sessionID))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}

// New picks a source by mode name.
func New(mode string, interval time.Duration, f feed.Feed, log *zap.Logger) (Source, error) {
	switch mode {
	case "", ModePoll:
		return Poller{Interval: interval}, nil
	case ModePush:
		if f == nil {
			return nil, fmt.Errorf("sync mode %q needs a change feed", mode)
		}
		return Push{Feed: f, Log: log}, nil
	}
	return nil, fmt.Errorf("unknown sync mode %q", mode)
}
