package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/model"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
	// StrictDedup makes InsertRecord refuse a second record for the same
	// session and student (first write wins).
	StrictDedup bool
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the tables and the change-notification trigger. The
// unique (session_id, student_id) index exists only while StrictDedup is on;
// creating it fails if the table already holds duplicates.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	stmt := `DROP INDEX IF EXISTS uq_records_session_student`
	if r.StrictDedup {
		stmt = `CREATE UNIQUE INDEX IF NOT EXISTS uq_records_session_student ON attendance_records (session_id, student_id)`
	}
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("strict dedup index: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, session_name, department, academic_year, batch_year, session_type,
	started_by, status, start_time, end_time, total_students, present_count, created_at`

func scanSession(row interface{ Scan(...any) error }) (model.Session, error) {
	var s model.Session
	var end sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.Department, &s.AcademicYear, &s.BatchYear, &s.Type,
		&s.StartedBy, &s.Status, &s.StartTime, &end, &s.TotalStudents, &s.PresentCount, &s.CreatedAt)
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	return s, err
}

const studentColumns = `student_id, usn, id_num, name, branch, academic_year, batch_year, email, photo, uploaded_by, uploaded_at`

func scanStudent(row interface{ Scan(...any) error }) (model.Student, error) {
	var st model.Student
	err := row.Scan(&st.ID, &st.USN, &st.IDNum, &st.Name, &st.Branch, &st.AcademicYear, &st.BatchYear,
		&st.Email, &st.Photo, &st.UploadedBy, &st.UploadedAt)
	return st, err
}

// GetSession returns a session owned by account.
func (r *Repository) GetSession(ctx context.Context, account, sessionID string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions WHERE session_id = $1 AND started_by = $2
	`, sessionID, account)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrSessionNotFound
		}
		return model.Session{}, err
	}
	return s, nil
}

// Roster lists the cohort's students ordered by name.
func (r *Repository) Roster(ctx context.Context, account string, cohort model.Cohort) ([]model.Student, error) {
	args := []any{account, cohort.AcademicYear}
	clauses := []string{"uploaded_by = $1", "academic_year = $2"}
	if cohort.BatchYear != "" {
		clauses = append(clauses, "batch_year = $"+strconv.Itoa(len(args)+1))
		args = append(args, cohort.BatchYear)
	}
	query := `SELECT ` + studentColumns + ` FROM students WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY name, usn`
	return r.queryStudents(ctx, query, args...)
}

func (r *Repository) queryStudents(ctx context.Context, query string, args ...any) ([]model.Student, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []model.Student{}
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// InsertRecord writes a record stamped with the database clock. The insert is
// conditional on the session not having ended. It is idempotent on record_id,
// so retrying after a lost acknowledgement returns the row already written.
// With StrictDedup the unique index turns a second record for the student
// into ErrDuplicate.
func (r *Repository) InsertRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Method == "" {
		rec.Method = model.MethodManual
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (record_id, session_id, student_id, student_usn, scan_method, timestamp)
		SELECT $1, s.session_id, $3, $4, $5, NOW()
		FROM attendance_sessions s
		WHERE s.session_id = $2 AND s.status <> 'ended'
		ON CONFLICT DO NOTHING
		RETURNING timestamp
	`, rec.ID, rec.SessionID, rec.StudentID, rec.StudentUSN, rec.Method).Scan(&rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return r.whyNotInserted(ctx, rec)
	}
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// whyNotInserted explains an insert that wrote nothing. A row with the same
// id means an earlier attempt already succeeded.
func (r *Repository) whyNotInserted(ctx context.Context, rec model.Record) (model.Record, error) {
	var existing model.Record
	err := r.db.QueryRowContext(ctx, `
		SELECT record_id, session_id, student_id, student_usn, scan_method, timestamp
		FROM attendance_records WHERE record_id = $1
	`, rec.ID).Scan(&existing.ID, &existing.SessionID, &existing.StudentID, &existing.StudentUSN, &existing.Method, &existing.Timestamp)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return model.Record{}, err
	}

	var status model.SessionStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM attendance_sessions WHERE session_id = $1`, rec.SessionID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Record{}, ErrSessionNotFound
	case err != nil:
		return model.Record{}, err
	case status == model.StatusEnded:
		return model.Record{}, ErrSessionClosed
	}
	return model.Record{}, ErrDuplicate
}

// SessionRecords returns records joined with student display fields, newest first.
func (r *Repository) SessionRecords(ctx context.Context, sessionID string) ([]model.PresentEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.record_id, a.session_id, a.student_id, a.student_usn, a.scan_method, a.timestamp,
			COALESCE(s.name, 'Unknown'), COALESCE(s.branch, ''), COALESCE(s.photo, '')
		FROM attendance_records a
		LEFT JOIN students s ON s.student_id = a.student_id
		WHERE a.session_id = $1
		ORDER BY a.timestamp DESC, a.record_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []model.PresentEntry{}
	for rows.Next() {
		var e model.PresentEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.StudentID, &e.StudentUSN, &e.Method, &e.Timestamp,
			&e.Name, &e.Branch, &e.Photo); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DeleteRecord removes one record of the session.
func (r *Repository) DeleteRecord(ctx context.Context, sessionID, recordID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_records WHERE record_id = $1 AND session_id = $2`, recordID, sessionID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrRecordNotFound)
}

// CreateSession inserts a session row.
func (r *Repository) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.StatusActive
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (session_id, session_name, department, academic_year, batch_year,
			session_type, started_by, status, total_students)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+sessionColumns,
		s.ID, s.Name, s.Department, s.AcademicYear, s.BatchYear, s.Type, s.StartedBy, s.Status, s.TotalStudents)
	return scanSession(row)
}

// ListSessions returns the account's sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, account string) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions WHERE started_by = $1
		ORDER BY start_time DESC
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionStatus moves the session from one status to another in a
// single conditional update, so a concurrent transition can not be
// overwritten.
func (r *Repository) UpdateSessionStatus(ctx context.Context, account, sessionID string, from, to model.SessionStatus, endTime *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = $4, end_time = COALESCE($5, end_time)
		WHERE session_id = $1 AND started_by = $2 AND status = $3
	`, sessionID, account, from, to, endTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := r.GetSession(ctx, account, sessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, cur.Status, from)
}

// DeleteSession removes a session; its records go with it.
func (r *Repository) DeleteSession(ctx context.Context, account, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE session_id = $1 AND started_by = $2`, sessionID, account)
	if err != nil {
		return err
	}
	return expectOne(res, ErrSessionNotFound)
}

// CountCohort counts the cohort's students.
func (r *Repository) CountCohort(ctx context.Context, account string, cohort model.Cohort) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM students
		WHERE uploaded_by = $1 AND academic_year = $2 AND ($3 = '' OR batch_year = $3)
	`, account, cohort.AcademicYear, cohort.BatchYear).Scan(&n)
	return n, err
}

// CreateStudent inserts a student.
func (r *Repository) CreateStudent(ctx context.Context, st model.Student) (model.Student, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (student_id, usn, id_num, name, branch, academic_year, batch_year, email, photo, uploaded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+studentColumns,
		st.ID, st.USN, st.IDNum, st.Name, st.Branch, st.AcademicYear, st.BatchYear, st.Email, st.Photo, st.UploadedBy)
	return scanStudent(row)
}

// ListStudents returns every student of the account ordered by name.
func (r *Repository) ListStudents(ctx context.Context, account string) ([]model.Student, error) {
	return r.queryStudents(ctx, `SELECT `+studentColumns+` FROM students WHERE uploaded_by = $1 ORDER BY name, usn`, account)
}

// DeleteStudent removes a student and their attendance.
func (r *Repository) DeleteStudent(ctx context.Context, account, studentID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE student_id = $1 AND uploaded_by = $2`, studentID, account)
	if err != nil {
		return err
	}
	return expectOne(res, ErrStudentNotFound)
}

// RecountSession stores the number of distinct students present.
func (r *Repository) RecountSession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE attendance_sessions
		SET present_count = (
			SELECT COUNT(DISTINCT student_id) FROM attendance_records WHERE session_id = $1
		)
		WHERE session_id = $1
		RETURNING present_count
	`, sessionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	return n, err
}

// SessionStats counts sessions in one pass over the account's rows.
func (r *Repository) SessionStats(ctx context.Context, account string, since time.Time) (SessionStats, error) {
	var st SessionStats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COALESCE(SUM(present_count) FILTER (WHERE start_time >= $2), 0)
		FROM attendance_sessions WHERE started_by = $1
	`, account, since).Scan(&st.Total, &st.Active, &st.RecentPresent)
	return st, err
}

// StudentGroups groups the directory by batch year and by branch.
func (r *Repository) StudentGroups(ctx context.Context, account string) (StudentGroups, error) {
	g := StudentGroups{Batches: []GroupCount{}, Branches: []GroupCount{}}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM students WHERE uploaded_by = $1`, account).Scan(&g.Total); err != nil {
		return g, err
	}
	var err error
	g.Batches, err = r.groupCounts(ctx, `
		SELECT batch_year, COUNT(*) FROM students
		WHERE uploaded_by = $1 AND batch_year <> ''
		GROUP BY batch_year ORDER BY batch_year DESC
	`, account)
	if err != nil {
		return g, err
	}
	g.Branches, err = r.groupCounts(ctx, `
		SELECT branch, COUNT(*) FROM students
		WHERE uploaded_by = $1 AND branch <> ''
		GROUP BY branch ORDER BY COUNT(*) DESC, branch
	`, account)
	return g, err
}

func (r *Repository) groupCounts(ctx context.Context, query string, args ...any) ([]GroupCount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []GroupCount{}
	for rows.Next() {
		var gc GroupCount
		if err := rows.Scan(&gc.Key, &gc.Students); err != nil {
			return nil, err
		}
		res = append(res, gc)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
