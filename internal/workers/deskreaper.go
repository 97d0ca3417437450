package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdleCloser closes desks idle for longer than maxIdle and reports how many.
type IdleCloser interface {
	CloseIdle(maxIdle time.Duration) int
}

// DeskReaper is a background worker that closes abandoned desks so their
// live sync loops stop.
type DeskReaper struct {
	desks    IdleCloser
	log      *zap.Logger
	interval time.Duration
	maxIdle  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDeskReaper creates a reaper that checks every interval and closes desks
// without operator activity for maxIdle.
func NewDeskReaper(desks IdleCloser, logger *zap.Logger, interval, maxIdle time.Duration) *DeskReaper {
	return &DeskReaper{
		desks:    desks,
		log:      logger,
		interval: interval,
		maxIdle:  maxIdle,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loop.
func (w *DeskReaper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("desk reaper started",
		zap.Duration("interval", w.interval),
		zap.Duration("max_idle", w.maxIdle))
}

// Stop signals the worker to stop and waits for it to finish.
func (w *DeskReaper) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("desk reaper stopped")
}

func (w *DeskReaper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if n := w.desks.CloseIdle(w.maxIdle); n > 0 {
				w.log.Info("closed idle desks", zap.Int("count", n))
			}
		}
	}
}
