package attendance

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"rollcall/internal/model"
)

// openTestDB connects to DATABASE_URL and skips the test when it is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return db
}

// seedRepo creates an account of its own with two students and an active
// session over them, and removes them when the test ends.
func seedRepo(t *testing.T, repo *Repository) (account string, sess model.Session, a, b model.Student) {
	t.Helper()
	ctx := context.Background()
	account = "test-" + uuid.NewString()

	mustStudent := func(usn, name string) model.Student {
		st, err := repo.CreateStudent(ctx, model.Student{
			USN: usn, Name: name, Branch: "CSE", AcademicYear: "2024-25", BatchYear: "2022", UploadedBy: account,
		})
		if err != nil {
			t.Fatalf("CreateStudent failed: %v", err)
		}
		return st
	}
	a = mustStudent("1BM22CS001", "Asha")
	b = mustStudent("1BM22CS002", "Ravi")

	var err error
	sess, err = repo.CreateSession(ctx, model.Session{
		Name: "DBMS Lab", AcademicYear: "2024-25", BatchYear: "2022",
		Type: model.TypeClass, StartedBy: account, TotalStudents: 2,
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	t.Cleanup(func() {
		_ = repo.DeleteSession(context.Background(), account, sess.ID)
		_ = repo.DeleteStudent(context.Background(), account, a.ID)
		_ = repo.DeleteStudent(context.Background(), account, b.ID)
	})
	return account, sess, a, b
}

func TestRepository_RecordsAndLifecycle(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	ctx := context.Background()
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	account, sess, a, b := seedRepo(t, repo)

	roster, err := repo.Roster(ctx, account, sess.Cohort())
	if err != nil || len(roster) != 2 {
		t.Fatalf("Roster: got %d, %v", len(roster), err)
	}

	rec := model.Record{ID: uuid.NewString(), SessionID: sess.ID, StudentID: a.ID, StudentUSN: a.USN, Method: model.MethodBarcode}
	first, err := repo.InsertRecord(ctx, rec)
	if err != nil {
		t.Fatalf("InsertRecord failed: %v", err)
	}
	if first.Timestamp.IsZero() {
		t.Error("InsertRecord did not stamp the record")
	}
	// same id again is the retry after a lost acknowledgement
	again, err := repo.InsertRecord(ctx, rec)
	if err != nil {
		t.Fatalf("InsertRecord retry failed: %v", err)
	}
	if again.ID != first.ID || !again.Timestamp.Equal(first.Timestamp) {
		t.Errorf("retry: got %+v, want %+v", again, first)
	}

	// without strict mode a second record for the student is accepted
	dup, err := repo.InsertRecord(ctx, model.Record{SessionID: sess.ID, StudentID: a.ID, StudentUSN: a.USN})
	if err != nil {
		t.Fatalf("InsertRecord duplicate failed: %v", err)
	}
	entries, err := repo.SessionRecords(ctx, sess.ID)
	if err != nil || len(entries) != 2 || entries[0].Name != a.Name {
		t.Fatalf("SessionRecords: got %+v, %v", entries, err)
	}
	if n, err := repo.RecountSession(ctx, sess.ID); err != nil || n != 1 {
		t.Errorf("RecountSession: got %d, %v, want 1", n, err)
	}

	if err := repo.DeleteRecord(ctx, sess.ID, dup.ID); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if err := repo.DeleteRecord(ctx, sess.ID, dup.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("DeleteRecord twice: got %v, want %v", err, ErrRecordNotFound)
	}

	stats, err := repo.SessionStats(ctx, account, time.Now().Add(-time.Hour))
	if err != nil || stats != (SessionStats{Total: 1, Active: 1, RecentPresent: 1}) {
		t.Errorf("SessionStats: got %+v, %v", stats, err)
	}
	groups, err := repo.StudentGroups(ctx, account)
	if err != nil || groups.Total != 2 || len(groups.Batches) != 1 || groups.Branches[0] != (GroupCount{Key: "CSE", Students: 2}) {
		t.Errorf("StudentGroups: got %+v, %v", groups, err)
	}

	end := time.Now().UTC()
	if err := repo.UpdateSessionStatus(ctx, account, sess.ID, model.StatusActive, model.StatusEnded, &end); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	err = repo.UpdateSessionStatus(ctx, account, sess.ID, model.StatusActive, model.StatusPaused, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("stale transition: got %v, want %v", err, ErrInvalidTransition)
	}
	if err := repo.UpdateSessionStatus(ctx, "intruder", sess.ID, model.StatusEnded, model.StatusActive, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign account: got %v, want %v", err, ErrSessionNotFound)
	}
	stored, err := repo.GetSession(ctx, account, sess.ID)
	if err != nil || stored.Status != model.StatusEnded || stored.EndTime == nil {
		t.Errorf("stored session: got %+v, %v", stored, err)
	}

	_, err = repo.InsertRecord(ctx, model.Record{SessionID: sess.ID, StudentID: b.ID, StudentUSN: b.USN})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("insert into ended session: got %v, want %v", err, ErrSessionClosed)
	}
	_, err = repo.InsertRecord(ctx, model.Record{SessionID: uuid.NewString(), StudentID: b.ID, StudentUSN: b.USN})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("insert into unknown session: got %v, want %v", err, ErrSessionNotFound)
	}
}

func TestRepository_StrictDedupUnderConcurrency(t *testing.T) {
	repo := NewRepository(openTestDB(t))
	repo.StrictDedup = true
	ctx := context.Background()
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() {
		repo.StrictDedup = false
		_ = repo.Migrate(context.Background())
	})
	_, sess, a, _ := seedRepo(t, repo)

	const desks = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		marked   int
		rejected int
	)
	for i := 0; i < desks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.InsertRecord(ctx, model.Record{SessionID: sess.ID, StudentID: a.ID, StudentUSN: a.USN})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				marked++
			case errors.Is(err, ErrDuplicate):
				rejected++
			default:
				t.Errorf("InsertRecord: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if marked != 1 || rejected != desks-1 {
		t.Errorf("outcomes: got %d marked, %d duplicate", marked, rejected)
	}
	entries, err := repo.SessionRecords(ctx, sess.ID)
	if err != nil || len(entries) != 1 {
		t.Errorf("SessionRecords: got %d, %v, want 1", len(entries), err)
	}
}
