package attendance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/model"
	"rollcall/internal/scanport"
)

// scanTimeout bounds the store work behind one idle-completed scan.
const scanTimeout = 10 * time.Second

// Desk is an operator's open session view: a tracker fed by a scan port.
type Desk struct {
	ID        string
	Account   string
	SessionID string
	Tracker   *Tracker
	Port      *scanport.Port
	OpenedAt  time.Time

	lastUsed atomic.Int64
}

// Touch records operator activity.
func (d *Desk) Touch() { d.lastUsed.Store(time.Now().UnixNano()) }

// LastUsed is the time of the last operator activity.
func (d *Desk) LastUsed() time.Time { return time.Unix(0, d.lastUsed.Load()) }

func (d *Desk) close() {
	d.Port.Close()
	d.Tracker.Stop()
}

// Desks tracks the open desks of this process.
type Desks struct {
	mu    sync.Mutex
	desks map[string]*Desk

	store Store
	opts  Options
	port  scanport.Options
	log   *zap.Logger
}

// NewDesks creates a registry; every desk shares opts and port settings.
func NewDesks(store Store, opts Options, port scanport.Options) *Desks {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Desks{
		desks: make(map[string]*Desk),
		store: store,
		opts:  opts,
		port:  port,
		log:   opts.Log,
	}
}

// Open starts a tracker for the session and wires a scan port to it.
// Codes completed by the port are recorded as barcode scans.
func (r *Desks) Open(ctx context.Context, account, sessionID string) (*Desk, error) {
	t := NewTracker(r.store, r.opts)
	if err := t.Start(ctx, account, sessionID); err != nil {
		return nil, err
	}

	d := &Desk{
		ID:        uuid.NewString(),
		Account:   account,
		SessionID: sessionID,
		Tracker:   t,
		OpenedAt:  time.Now().UTC(),
	}
	d.Port = scanport.New(func(code string) {
		ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
		defer cancel()
		res := t.SubmitCode(ctx, code, model.MethodBarcode)
		r.log.Info("scan",
			zap.String("desk_id", d.ID),
			zap.String("session_id", sessionID),
			zap.String("code", code),
			zap.String("status", string(res.Status)))
	}, r.port)
	d.Touch()

	r.mu.Lock()
	r.desks[d.ID] = d
	r.mu.Unlock()
	openDesks.Inc()
	return d, nil
}

// Get returns an open desk owned by account.
func (r *Desks) Get(account, id string) (*Desk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.desks[id]
	if !ok || d.Account != account {
		return nil, ErrDeskNotFound
	}
	return d, nil
}

// Close stops a desk and forgets it.
func (r *Desks) Close(account, id string) error {
	r.mu.Lock()
	d, ok := r.desks[id]
	if !ok || d.Account != account {
		r.mu.Unlock()
		return ErrDeskNotFound
	}
	delete(r.desks, id)
	r.mu.Unlock()

	d.close()
	openDesks.Dec()
	return nil
}

// CloseIdle closes desks without activity for longer than maxIdle.
func (r *Desks) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*Desk
	for id, d := range r.desks {
		if d.LastUsed().Before(cutoff) {
			idle = append(idle, d)
			delete(r.desks, id)
		}
	}
	r.mu.Unlock()

	for _, d := range idle {
		d.close()
		openDesks.Dec()
		r.log.Info("closed idle desk", zap.String("desk_id", d.ID), zap.String("session_id", d.SessionID))
	}
	return len(idle)
}

// CloseAll stops every desk, for shutdown.
func (r *Desks) CloseAll() {
	r.mu.Lock()
	all := make([]*Desk, 0, len(r.desks))
	for id, d := range r.desks {
		all = append(all, d)
		delete(r.desks, id)
	}
	r.mu.Unlock()

	for _, d := range all {
		d.close()
		openDesks.Dec()
	}
}

// Len is the number of open desks.
func (r *Desks) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.desks)
}
