package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollcall/internal/livesync"
	"rollcall/internal/scanport"
)

func newDesks(f *fixture) *Desks {
	return NewDesks(f.store, Options{
		Source: livesync.Poller{Interval: time.Hour},
		Retry:  RetryPolicy{Attempts: 1},
	}, scanport.Options{Idle: 20 * time.Millisecond})
}

func TestDesks_ScanThroughPort(t *testing.T) {
	f := newFixture(t)
	desks := newDesks(f)
	defer desks.CloseAll()

	d, err := desks.Open(context.Background(), testAccount, f.session.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	d.Port.HandleAll(append(scanport.Keys("b002"), scanport.KeyEvent{Key: scanport.KeyEnter}))
	present := d.Tracker.Present()
	if len(present) != 1 || present[0].StudentID != f.ravi.ID {
		t.Fatalf("Present: got %v, want Ravi", presentIDs(present))
	}
	if present[0].Method != "barcode" {
		t.Errorf("Method: got %q, want barcode", present[0].Method)
	}

	// an idle-completed scan lands on its own
	d.Port.HandleAll(scanport.Keys("1BM22CS001"))
	waitFor(t, func() bool { return len(d.Tracker.Present()) == 2 })
}

func TestDesks_ScopedToAccount(t *testing.T) {
	f := newFixture(t)
	desks := newDesks(f)
	defer desks.CloseAll()

	d, err := desks.Open(context.Background(), testAccount, f.session.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := desks.Get("intruder", d.ID); !errors.Is(err, ErrDeskNotFound) {
		t.Errorf("Get other account: got %v, want %v", err, ErrDeskNotFound)
	}
	if err := desks.Close("intruder", d.ID); !errors.Is(err, ErrDeskNotFound) {
		t.Errorf("Close other account: got %v, want %v", err, ErrDeskNotFound)
	}
	got, err := desks.Get(testAccount, d.ID)
	if err != nil || got != d {
		t.Fatalf("Get: got %v, %v", got, err)
	}

	if err := desks.Close(testAccount, d.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if desks.Len() != 0 {
		t.Errorf("Len: got %d, want 0", desks.Len())
	}
	if d.Tracker.Snapshot() != nil {
		t.Error("tracker still running after Close")
	}
}

func TestDesks_OpenUnknownSession(t *testing.T) {
	f := newFixture(t)
	desks := newDesks(f)

	if _, err := desks.Open(context.Background(), testAccount, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Open: got %v, want %v", err, ErrSessionNotFound)
	}
	if desks.Len() != 0 {
		t.Errorf("Len: got %d, want 0", desks.Len())
	}
}

func TestDesks_CloseIdle(t *testing.T) {
	f := newFixture(t)
	desks := newDesks(f)
	defer desks.CloseAll()
	ctx := context.Background()

	stale, err := desks.Open(ctx, testAccount, f.session.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fresh, err := desks.Open(ctx, testAccount, f.session.ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stale.lastUsed.Store(time.Now().Add(-time.Hour).UnixNano())
	fresh.Touch()

	if n := desks.CloseIdle(10 * time.Minute); n != 1 {
		t.Fatalf("CloseIdle: got %d, want 1", n)
	}
	if _, err := desks.Get(testAccount, stale.ID); !errors.Is(err, ErrDeskNotFound) {
		t.Errorf("stale desk still open: %v", err)
	}
	if _, err := desks.Get(testAccount, fresh.ID); err != nil {
		t.Errorf("fresh desk closed: %v", err)
	}
}
