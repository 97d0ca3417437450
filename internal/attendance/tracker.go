package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rollcall/internal/feed"
	"rollcall/internal/livesync"
	"rollcall/internal/model"
	"rollcall/internal/queue"
)

// Outcome is the status of one submitted code.
type Outcome string

const (
	OutcomeMarked    Outcome = "marked"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeClosed    Outcome = "closed"
	OutcomeError     Outcome = "error"
)

// Result is what the operator sees after a scan.
type Result struct {
	Status  Outcome        `json:"status"`
	Code    string         `json:"code"`
	Student *model.Student `json:"student,omitempty"`
	Record  *model.Record  `json:"record,omitempty"`
	Message string         `json:"message,omitempty"`
	At      time.Time      `json:"at"`
}

// Options wires a Tracker's collaborators. Source is required; the rest are
// optional.
type Options struct {
	Source livesync.Source
	// Feed tells other views about local writes.
	Feed feed.Feed
	// Jobs receives a recount job after every write.
	Jobs  queue.Queue
	Log   *zap.Logger
	Retry RetryPolicy
	// OnCorrection is called for every optimistic change a refresh contradicts.
	OnCorrection func(Correction)
}

// Tracker is one open session view: it captures attendance for a session and
// keeps the present set in sync with the store. Marks and unmarks are applied
// one at a time, like a single operator console.
type Tracker struct {
	store Store
	src   livesync.Source
	feed  feed.Feed
	jobs  queue.Queue
	log   *zap.Logger
	retry RetryPolicy
	fix   func(Correction)

	opMu sync.Mutex // serializes SubmitCode and Unmark

	mu      sync.Mutex
	account string
	st      *state
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refreshes singleflight.Group
}

// NewTracker creates a stopped tracker.
func NewTracker(store Store, opts Options) *Tracker {
	if opts.Source == nil {
		opts.Source = livesync.Poller{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetry
	}
	return &Tracker{
		store: store,
		src:   opts.Source,
		feed:  opts.Feed,
		jobs:  opts.Jobs,
		log:   opts.Log,
		retry: opts.Retry,
		fix:   opts.OnCorrection,
	}
}

// Start opens a session view: it loads the session and its cohort roster,
// fetches the present set, and starts live sync. The roster is loaded once
// per Start.
func (t *Tracker) Start(ctx context.Context, account, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st != nil {
		return ErrAlreadyStarted
	}

	sess, err := t.store.GetSession(ctx, account, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return persistence("load session", err)
	}
	roster, err := t.store.Roster(ctx, account, sess.Cohort())
	if err != nil {
		return persistence("load roster", err)
	}
	records, err := t.store.SessionRecords(ctx, sessionID)
	if err != nil {
		return persistence("load records", err)
	}

	st := newState(sess, roster)
	st.reconcile(0, sess, records, time.Now().UTC())

	runCtx, cancel := context.WithCancel(context.Background())
	t.account = account
	t.st = st
	t.runCtx = runCtx
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.src.Run(runCtx, sessionID, t.Refresh); err != nil {
			t.log.Error("live sync stopped", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	t.log.Info("session view opened",
		zap.String("session_id", sessionID),
		zap.Int("roster", len(roster)),
		zap.Int("present", len(st.snapshot().Present)))
	return nil
}

// Stop closes the view: live sync is cancelled and waited for, and local
// state is dropped. Writes already sent to the store are not undone.
func (t *Tracker) Stop() {
	// no mark or unmark may schedule a refresh while we wait below
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.st == nil {
		t.mu.Unlock()
		return
	}
	st := t.st
	sessionID := st.currentSession().ID
	t.cancel()
	t.st = nil
	t.cancel = nil
	t.runCtx = nil
	t.mu.Unlock()

	t.wg.Wait()
	st.stop()
	t.log.Info("session view closed", zap.String("session_id", sessionID))
}

func (t *Tracker) current() (*state, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st, t.runCtx
}

// Snapshot returns the current view, or nil when stopped.
func (t *Tracker) Snapshot() *Snapshot {
	st, _ := t.current()
	if st == nil {
		return nil
	}
	return st.snapshot()
}

// Changed returns a channel closed at the next change of the view. It is
// nil when stopped.
func (t *Tracker) Changed() <-chan struct{} {
	st, _ := t.current()
	if st == nil {
		return nil
	}
	return st.watch()
}

// Present lists present students, most recent scan first, one entry per student.
func (t *Tracker) Present() []model.PresentEntry {
	if s := t.Snapshot(); s != nil {
		return s.Present
	}
	return nil
}

// Absent lists roster students without attendance, in roster order.
func (t *Tracker) Absent() []model.Student {
	if s := t.Snapshot(); s != nil {
		return s.Absent
	}
	return nil
}

// Roster returns the cohort roster loaded at Start.
func (t *Tracker) Roster() []model.Student {
	st, _ := t.current()
	if st == nil {
		return nil
	}
	return st.rosterView()
}

// SubmitCode resolves a scanned or typed code and records attendance.
// Every failure is reported in the Result; none is fatal.
func (t *Tracker) SubmitCode(ctx context.Context, code string, method model.ScanMethod) Result {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	res := t.submit(ctx, strings.TrimSpace(code), method)
	res.At = time.Now().UTC()
	scansTotal.WithLabelValues(string(res.Status)).Inc()

	if st, _ := t.current(); st != nil {
		st.setLast(res)
	}
	return res
}

func (t *Tracker) submit(ctx context.Context, code string, method model.ScanMethod) Result {
	res := Result{Code: code}
	st, runCtx := t.current()
	if st == nil {
		res.Status, res.Message = OutcomeError, ErrNotStarted.Error()
		return res
	}
	if !method.Valid() {
		res.Status, res.Message = OutcomeError, fmt.Sprintf("unknown scan method %q", method)
		return res
	}

	sess := st.currentSession()
	if !sess.Status.Accepting() {
		res.Status, res.Message = OutcomeClosed, fmt.Sprintf("session is %s", sess.Status)
		return res
	}

	student, err := Resolve(st.rosterView(), code)
	if err != nil {
		res.Status, res.Message = OutcomeNotFound, "Student not found!"
		return res
	}
	res.Student = &student

	if st.isPresent(student.ID) {
		res.Status, res.Message = OutcomeDuplicate, student.Name+" already marked present!"
		return res
	}

	// one id for every attempt, so a retry after a lost acknowledgement
	// finds the row it already wrote
	want := model.Record{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		StudentID:  student.ID,
		StudentUSN: student.USN,
		Method:     method,
	}
	var rec model.Record
	err = t.retry.do(ctx, func() error {
		var ierr error
		rec, ierr = t.store.InsertRecord(ctx, want)
		return ierr
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionClosed):
		sess.Status = model.StatusEnded
		st.setSession(sess)
		res.Status, res.Message = OutcomeClosed, "session has ended"
		return res
	case errors.Is(err, ErrDuplicate):
		res.Status, res.Message = OutcomeDuplicate, student.Name+" already marked present!"
		t.refreshAsync(runCtx)
		return res
	default:
		t.log.Warn("attendance insert failed",
			zap.String("session_id", sess.ID),
			zap.String("student_id", student.ID),
			zap.Error(err))
		res.Status, res.Message = OutcomeError, "Failed to mark attendance: "+err.Error()
		return res
	}

	st.applyMark(model.PresentEntry{
		Record: rec,
		Name:   student.Name,
		Branch: student.Branch,
		Photo:  student.Photo,
	})
	res.Status = OutcomeMarked
	res.Record = &rec
	res.Message = student.Name + " marked present!"

	t.afterWrite(ctx, feed.Change{SessionID: sess.ID, RecordID: rec.ID, Op: feed.OpInsert})
	t.refreshAsync(runCtx)
	return res
}

// Unmark deletes one attendance record. The entry disappears from the view
// immediately and reappears if the delete fails.
func (t *Tracker) Unmark(ctx context.Context, recordID string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	st, runCtx := t.current()
	if st == nil {
		return ErrNotStarted
	}
	entry, ok := st.find(recordID)
	if !ok {
		return ErrRecordNotFound
	}
	sessionID := st.currentSession().ID

	st.applyUnmark(entry)
	if err := t.store.DeleteRecord(ctx, sessionID, recordID); err != nil {
		st.revertUnmark(recordID)
		if errors.Is(err, ErrRecordNotFound) {
			t.refreshAsync(runCtx)
			return err
		}
		return persistence("delete record", err)
	}
	st.confirmUnmark(recordID)

	t.afterWrite(ctx, feed.Change{SessionID: sessionID, RecordID: recordID, Op: feed.OpDelete})
	t.refreshAsync(runCtx)
	return nil
}

// afterWrite notifies peers and schedules a recount. Failures only delay
// other views until their next refresh, so they are logged and dropped.
func (t *Tracker) afterWrite(ctx context.Context, c feed.Change) {
	if t.feed != nil {
		if err := t.feed.Publish(ctx, c); err != nil {
			t.log.Warn("change publish failed", zap.String("session_id", c.SessionID), zap.Error(err))
		}
	}
	if t.jobs != nil {
		if err := t.jobs.Publish(ctx, queue.Job{Kind: queue.KindRecount, SessionID: c.SessionID}); err != nil {
			t.log.Warn("recount enqueue failed", zap.String("session_id", c.SessionID), zap.Error(err))
		}
	}
}

func (t *Tracker) refreshAsync(runCtx context.Context) {
	if runCtx == nil || runCtx.Err() != nil {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.Refresh(runCtx)
	}()
}

// Refresh refetches the session row and its records and replaces the
// present set with them. Concurrent calls share one fetch.
func (t *Tracker) Refresh(ctx context.Context) {
	st, _ := t.current()
	if st == nil {
		return
	}
	sessionID := st.currentSession().ID

	_, _, _ = t.refreshes.Do(sessionID, func() (any, error) {
		t.refresh(ctx, st)
		return nil, nil
	})
}

func (t *Tracker) refresh(ctx context.Context, st *state) {
	started := time.Now()
	since := st.currentEpoch()
	prev := st.currentSession()

	var (
		sess    model.Session
		records []model.PresentEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sess, err = t.store.GetSession(gctx, t.accountOf(), prev.ID)
		return err
	})
	g.Go(func() error {
		var err error
		records, err = t.store.SessionRecords(gctx, prev.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			refreshFailures.Inc()
			t.log.Warn("attendance refresh failed", zap.String("session_id", prev.ID), zap.Error(err))
		}
		return
	}
	refreshDuration.Observe(time.Since(started).Seconds())

	fixes := st.reconcile(since, sess, records, time.Now().UTC())
	for _, c := range fixes {
		correctionsTotal.WithLabelValues(string(c.Kind)).Inc()
		t.log.Warn("local attendance corrected by store",
			zap.String("session_id", prev.ID),
			zap.String("kind", string(c.Kind)),
			zap.String("record_id", c.RecordID),
			zap.String("student", c.Student))
		if t.fix != nil {
			t.fix(c)
		}
	}
}

func (t *Tracker) accountOf() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.account
}
