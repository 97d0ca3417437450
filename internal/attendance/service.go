package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"rollcall/internal/model"
)

// NewSession is the input for creating a session.
type NewSession struct {
	Name         string            `json:"session_name" validate:"required,max=200"`
	Department   string            `json:"department" validate:"max=100"`
	AcademicYear string            `json:"academic_year" validate:"required,max=20"`
	BatchYear    string            `json:"batch_year" validate:"max=20"`
	Type         model.SessionType `json:"session_type" validate:"omitempty,oneof=Placement Workshop Seminar Class Other"`
}

// NewStudent is the input for adding one student.
type NewStudent struct {
	USN          string `json:"usn" validate:"required,max=50"`
	IDNum        string `json:"id_num" validate:"max=50"`
	Name         string `json:"name" validate:"required,max=200"`
	Branch       string `json:"branch" validate:"max=100"`
	AcademicYear string `json:"academic_year" validate:"required,max=20"`
	BatchYear    string `json:"batch_year" validate:"max=20"`
	Email        string `json:"email" validate:"omitempty,email"`
	Photo        string `json:"photo" validate:"omitempty,url"`
}

// ValidationError wraps input validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid input: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// Service coordinates session lifecycle and the student directory.
type Service struct {
	repo     Backend
	validate *validator.Validate
	now      func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(repo Backend) *Service {
	return &Service{
		repo:     repo,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// CreateSession starts an active session. total_students is snapshotted from
// the cohort size at this moment.
func (s *Service) CreateSession(ctx context.Context, account string, in NewSession) (model.Session, error) {
	if account == "" {
		return model.Session{}, errors.New("account required")
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return model.Session{}, err
	}
	if in.Type == "" {
		in.Type = model.TypeClass
	}

	cohort := model.Cohort{AcademicYear: in.AcademicYear, BatchYear: in.BatchYear}
	total, err := s.repo.CountCohort(ctx, account, cohort)
	if err != nil {
		return model.Session{}, fmt.Errorf("count cohort: %w", err)
	}

	return s.repo.CreateSession(ctx, model.Session{
		Name:          in.Name,
		Department:    in.Department,
		AcademicYear:  in.AcademicYear,
		BatchYear:     in.BatchYear,
		Type:          in.Type,
		StartedBy:     account,
		Status:        model.StatusActive,
		TotalStudents: total,
	})
}

// GetSession returns one session of the account.
func (s *Service) GetSession(ctx context.Context, account, sessionID string) (model.Session, error) {
	return s.repo.GetSession(ctx, account, sessionID)
}

// ListSessions returns the account's sessions newest first.
func (s *Service) ListSessions(ctx context.Context, account string) ([]model.Session, error) {
	return s.repo.ListSessions(ctx, account)
}

// Transition moves a session to next. Ending stamps end_time. The store
// applies the change only if the status read here is still current.
func (s *Service) Transition(ctx context.Context, account, sessionID string, next model.SessionStatus) (model.Session, error) {
	cur, err := s.repo.GetSession(ctx, account, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if !cur.Status.CanTransition(next) {
		return model.Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next)
	}

	var end *time.Time
	if next == model.StatusEnded {
		t := s.now()
		end = &t
	}
	if err := s.repo.UpdateSessionStatus(ctx, account, sessionID, cur.Status, next, end); err != nil {
		return model.Session{}, err
	}
	cur.Status = next
	if end != nil {
		cur.EndTime = end
	}
	return cur, nil
}

// DeleteSession removes a session and all of its records.
func (s *Service) DeleteSession(ctx context.Context, account, sessionID string) error {
	return s.repo.DeleteSession(ctx, account, sessionID)
}

// SessionSummary computes present/absent figures straight from the store,
// for sessions nobody has open.
func (s *Service) SessionSummary(ctx context.Context, account, sessionID string) (Summary, error) {
	sess, err := s.repo.GetSession(ctx, account, sessionID)
	if err != nil {
		return Summary{}, err
	}
	records, err := s.repo.SessionRecords(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	roster, err := s.repo.Roster(ctx, account, sess.Cohort())
	if err != nil {
		return Summary{}, err
	}
	return Summarize(sess, Dedupe(records), roster), nil
}

// CreateStudent adds one student to the account's directory.
func (s *Service) CreateStudent(ctx context.Context, account string, in NewStudent) (model.Student, error) {
	if account == "" {
		return model.Student{}, errors.New("account required")
	}
	in.USN = strings.TrimSpace(in.USN)
	in.IDNum = strings.TrimSpace(in.IDNum)
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return model.Student{}, err
	}
	return s.repo.CreateStudent(ctx, model.Student{
		USN:          in.USN,
		IDNum:        in.IDNum,
		Name:         in.Name,
		Branch:       in.Branch,
		AcademicYear: in.AcademicYear,
		BatchYear:    in.BatchYear,
		Email:        in.Email,
		Photo:        in.Photo,
		UploadedBy:   account,
	})
}

// ListStudents returns the account's students, narrowed to a cohort when
// academicYear is set and to those whose name, USN, branch or email contains
// query, ignoring case.
func (s *Service) ListStudents(ctx context.Context, account, academicYear, batchYear, query string) ([]model.Student, error) {
	var (
		students []model.Student
		err      error
	)
	if academicYear != "" {
		students, err = s.repo.Roster(ctx, account, model.Cohort{AcademicYear: academicYear, BatchYear: batchYear})
	} else {
		students, err = s.repo.ListStudents(ctx, account)
	}
	if err != nil {
		return nil, err
	}
	return searchStudents(students, query), nil
}

func searchStudents(students []model.Student, query string) []model.Student {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return students
	}
	out := []model.Student{}
	for _, st := range students {
		for _, field := range []string{st.Name, st.USN, st.Branch, st.Email} {
			if strings.Contains(strings.ToLower(field), q) {
				out = append(out, st)
				break
			}
		}
	}
	return out
}

// DeleteStudent removes a student and their attendance records.
func (s *Service) DeleteStudent(ctx context.Context, account, studentID string) error {
	return s.repo.DeleteStudent(ctx, account, studentID)
}

const (
	// overviewSessions is how many recent sessions feed the average rate.
	overviewSessions = 10
	// overviewWindow bounds the recent present total.
	overviewWindow = 7 * 24 * time.Hour
)

// SessionRate is one session's stored attendance rate.
type SessionRate struct {
	SessionID     string            `json:"session_id"`
	Name          string            `json:"session_name"`
	Type          model.SessionType `json:"session_type"`
	StartTime     time.Time         `json:"start_time"`
	PresentCount  int               `json:"present_count"`
	TotalStudents int               `json:"total_students"`
	Rate          int               `json:"attendance_rate"`
}

// Overview is the account-level dashboard.
type Overview struct {
	TotalStudents     int           `json:"total_students"`
	TotalSessions     int           `json:"total_sessions"`
	ActiveSessions    int           `json:"active_sessions"`
	RecentPresent     int           `json:"recent_present"`
	AvgAttendanceRate int           `json:"avg_attendance_rate"`
	ActiveBatches     int           `json:"active_batches"`
	RecentSessions    []SessionRate `json:"recent_sessions"`
	Batches           []GroupCount  `json:"batches"`
	Branches          []GroupCount  `json:"branches"`
}

// Overview summarizes the account from stored counters. Rates come from the
// present_count kept by recount jobs, so a session still being scanned may
// lag by one job.
func (s *Service) Overview(ctx context.Context, account string) (Overview, error) {
	stats, err := s.repo.SessionStats(ctx, account, s.now().Add(-overviewWindow))
	if err != nil {
		return Overview{}, fmt.Errorf("session stats: %w", err)
	}
	groups, err := s.repo.StudentGroups(ctx, account)
	if err != nil {
		return Overview{}, fmt.Errorf("student groups: %w", err)
	}
	sessions, err := s.repo.ListSessions(ctx, account)
	if err != nil {
		return Overview{}, fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) > overviewSessions {
		sessions = sessions[:overviewSessions]
	}

	ov := Overview{
		TotalStudents:  groups.Total,
		TotalSessions:  stats.Total,
		ActiveSessions: stats.Active,
		RecentPresent:  stats.RecentPresent,
		ActiveBatches:  len(groups.Batches),
		RecentSessions: make([]SessionRate, 0, len(sessions)),
		Batches:        groups.Batches,
		Branches:       groups.Branches,
	}
	sum := 0
	for _, sess := range sessions {
		r := SessionRate{
			SessionID:     sess.ID,
			Name:          sess.Name,
			Type:          sess.Type,
			StartTime:     sess.StartTime,
			PresentCount:  sess.PresentCount,
			TotalStudents: sess.TotalStudents,
		}
		if sess.TotalStudents > 0 {
			r.Rate = int(math.Round(float64(sess.PresentCount) / float64(sess.TotalStudents) * 100))
		}
		sum += r.Rate
		ov.RecentSessions = append(ov.RecentSessions, r)
	}
	if len(sessions) > 0 {
		ov.AvgAttendanceRate = int(math.Round(float64(sum) / float64(len(sessions))))
	}
	return ov, nil
}
