package attendance

import (
	"context"
	"time"

	"rollcall/internal/model"
)

// Store is what an open session view needs from persistence.
type Store interface {
	// GetSession returns ErrSessionNotFound when the session does not exist
	// or belongs to another account.
	GetSession(ctx context.Context, account, sessionID string) (model.Session, error)
	// Roster lists the account's students in the cohort ordered by name.
	Roster(ctx context.Context, account string, cohort model.Cohort) ([]model.Student, error)
	// InsertRecord stores rec with a server-assigned timestamp. It returns
	// ErrSessionClosed for ended sessions.
	InsertRecord(ctx context.Context, rec model.Record) (model.Record, error)
	// SessionRecords returns every record of the session joined with student
	// display fields, most recent first.
	SessionRecords(ctx context.Context, sessionID string) ([]model.PresentEntry, error)
	DeleteRecord(ctx context.Context, sessionID, recordID string) error
}

// Backend adds the session and student administration used by Service and
// the recount worker.
type Backend interface {
	Store
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	ListSessions(ctx context.Context, account string) ([]model.Session, error)
	// UpdateSessionStatus moves the session from one status to another and
	// sets end_time when given. It returns ErrInvalidTransition when the
	// stored status is no longer from.
	UpdateSessionStatus(ctx context.Context, account, sessionID string, from, to model.SessionStatus, endTime *time.Time) error
	DeleteSession(ctx context.Context, account, sessionID string) error
	CountCohort(ctx context.Context, account string, cohort model.Cohort) (int, error)
	CreateStudent(ctx context.Context, st model.Student) (model.Student, error)
	ListStudents(ctx context.Context, account string) ([]model.Student, error)
	DeleteStudent(ctx context.Context, account, studentID string) error
	RecountSession(ctx context.Context, sessionID string) (int, error)
	// SessionStats counts the account's sessions and sums present_count over
	// sessions started at or after since.
	SessionStats(ctx context.Context, account string, since time.Time) (SessionStats, error)
	// StudentGroups counts the account's students, overall and per non-empty
	// batch year and branch.
	StudentGroups(ctx context.Context, account string) (StudentGroups, error)
}

// SessionStats are account-wide session counters.
type SessionStats struct {
	Total         int `json:"total_sessions"`
	Active        int `json:"active_sessions"`
	RecentPresent int `json:"recent_present"`
}

// GroupCount is the number of students sharing one batch year or branch.
type GroupCount struct {
	Key      string `json:"key"`
	Students int    `json:"students"`
}

// StudentGroups breaks the student directory down. Batches are ordered
// newest first, branches by size.
type StudentGroups struct {
	Total    int          `json:"total_students"`
	Batches  []GroupCount `json:"batches"`
	Branches []GroupCount `json:"branches"`
}
