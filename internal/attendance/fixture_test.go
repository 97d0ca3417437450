package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rollcall/internal/livesync"
	"rollcall/internal/model"
)

const testAccount = "op-1"

type fixture struct {
	store   *MemoryStore
	session model.Session
	asha    model.Student
	ravi    model.Student
}

// newFixture seeds the two-student cohort used across the tracker tests plus
// one student from another batch that must never show up in the roster.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()

	mustStudent := func(st model.Student) model.Student {
		st.UploadedBy = testAccount
		out, err := m.CreateStudent(ctx, st)
		if err != nil {
			t.Fatalf("CreateStudent failed: %v", err)
		}
		return out
	}
	asha := mustStudent(model.Student{USN: "1BM22CS001", IDNum: "B001", Name: "Asha", Branch: "CSE", AcademicYear: "2024-25", BatchYear: "2022"})
	ravi := mustStudent(model.Student{USN: "1BM22CS002", IDNum: "B002", Name: "Ravi", Branch: "CSE", AcademicYear: "2024-25", BatchYear: "2022"})
	mustStudent(model.Student{USN: "1BM21CS050", IDNum: "B050", Name: "Nila", Branch: "CSE", AcademicYear: "2024-25", BatchYear: "2021"})

	sess, err := m.CreateSession(ctx, model.Session{
		Name:          "DBMS Lab",
		AcademicYear:  "2024-25",
		BatchYear:     "2022",
		Type:          model.TypeClass,
		StartedBy:     testAccount,
		TotalStudents: 2,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return &fixture{store: m, session: sess, asha: asha, ravi: ravi}
}

// open starts a tracker that only refreshes when asked to, unless opts says
// otherwise.
func (f *fixture) open(t *testing.T, store Store, opts Options) *Tracker {
	t.Helper()
	if opts.Source == nil {
		opts.Source = livesync.Poller{Interval: time.Hour}
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = RetryPolicy{Attempts: 3, Base: time.Millisecond}
	}
	tr := NewTracker(store, opts)
	if err := tr.Start(context.Background(), testAccount, f.session.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func (f *fixture) recordCount(t *testing.T) int {
	t.Helper()
	recs, err := f.store.SessionRecords(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("SessionRecords failed: %v", err)
	}
	return len(recs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func presentIDs(entries []model.PresentEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.StudentID)
	}
	return ids
}

var errConnReset = errors.New("connection reset by peer")

// flakyStore fails the first inserts and deletes with queued errors.
type flakyStore struct {
	*MemoryStore

	mu         sync.Mutex
	insertErrs []error
	deleteErrs []error
	inserts    int
}

func (s *flakyStore) InsertRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	s.inserts++
	var err error
	if len(s.insertErrs) > 0 {
		err, s.insertErrs = s.insertErrs[0], s.insertErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return model.Record{}, err
	}
	return s.MemoryStore.InsertRecord(ctx, rec)
}

func (s *flakyStore) DeleteRecord(ctx context.Context, sessionID, recordID string) error {
	s.mu.Lock()
	var err error
	if len(s.deleteErrs) > 0 {
		err, s.deleteErrs = s.deleteErrs[0], s.deleteErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.DeleteRecord(ctx, sessionID, recordID)
}

func (s *flakyStore) insertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// lostStore acknowledges inserts without keeping them.
type lostStore struct {
	*MemoryStore
}

func (s lostStore) InsertRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	rec.Timestamp = time.Now().UTC()
	return rec, nil
}

// droppedAckStore commits the first insert and then reports a connection
// error, as if the acknowledgement was lost on the way back.
type droppedAckStore struct {
	*MemoryStore

	mu      sync.Mutex
	dropped bool
}

func (s *droppedAckStore) InsertRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	out, err := s.MemoryStore.InsertRecord(ctx, rec)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && !s.dropped {
		s.dropped = true
		return model.Record{}, errConnReset
	}
	return out, err
}

// busyDeleteStore calls during before and after the actual delete, standing in for a
// refresh that lands while the delete is in flight.
type busyDeleteStore struct {
	*MemoryStore
	during func()
}

func (s *busyDeleteStore) DeleteRecord(ctx context.Context, sessionID, recordID string) error {
	if s.during != nil {
		s.during()
	}
	err := s.MemoryStore.DeleteRecord(ctx, sessionID, recordID)
	if s.during != nil {
		s.during()
	}
	return err
}
