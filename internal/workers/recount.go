package workers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/queue"
)

// Recounter refreshes a session's stored present count.
type Recounter interface {
	RecountSession(ctx context.Context, sessionID string) (int, error)
}

// Recount consumes recount jobs until ctx is cancelled or the queue closes.
type Recount struct {
	jobs    queue.Queue
	store   Recounter
	log     *zap.Logger
	timeout time.Duration
}

// NewRecount creates a recount consumer.
func NewRecount(jobs queue.Queue, store Recounter, logger *zap.Logger) *Recount {
	return &Recount{jobs: jobs, store: store, log: logger, timeout: 10 * time.Second}
}

// Run blocks while consuming. Bursts of jobs for one session collapse into a
// single recount.
func (w *Recount) Run(ctx context.Context) error {
	jobs, err := w.jobs.Consume(ctx)
	if err != nil {
		return err
	}
	w.log.Info("recount worker started")

	for job := range jobs {
		if job.Kind != queue.KindRecount || job.SessionID == "" {
			w.log.Warn("skipping job", zap.String("kind", job.Kind), zap.String("session_id", job.SessionID))
			continue
		}
		pending := map[string]struct{}{job.SessionID: {}}
	drain:
		for {
			select {
			case more, ok := <-jobs:
				if !ok {
					break drain
				}
				if more.Kind == queue.KindRecount && more.SessionID != "" {
					pending[more.SessionID] = struct{}{}
				}
			default:
				break drain
			}
		}
		for id := range pending {
			w.recount(ctx, id)
		}
	}

	w.log.Info("recount worker stopped")
	return nil
}

func (w *Recount) recount(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	n, err := w.store.RecountSession(ctx, sessionID)
	switch {
	case errors.Is(err, attendance.ErrSessionNotFound):
		w.log.Debug("recount for deleted session", zap.String("session_id", sessionID))
	case err != nil:
		w.log.Error("recount failed", zap.String("session_id", sessionID), zap.Error(err))
	default:
		w.log.Debug("present count updated", zap.String("session_id", sessionID), zap.Int("present", n))
	}
}
