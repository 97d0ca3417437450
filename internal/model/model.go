package model

import (
	"strings"
	"time"
)

// ScanMethod tags how an attendance record was captured.
type ScanMethod string

const (
	MethodBarcode ScanMethod = "barcode"
	MethodManual  ScanMethod = "manual"
	MethodBulk    ScanMethod = "bulk"
)

// Valid reports whether m is a known capture method.
func (m ScanMethod) Valid() bool {
	switch m {
	case MethodBarcode, MethodManual, MethodBulk:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of an attendance session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

// CanTransition reports whether a session may move from s to next.
// ended is terminal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusEnded
	case StatusPaused:
		return next == StatusActive || next == StatusEnded
	}
	return false
}

// Accepting reports whether new attendance may be recorded.
func (s SessionStatus) Accepting() bool { return s == StatusActive }

// SessionType mirrors the kinds of gatherings a session can track.
type SessionType string

const (
	TypePlacement SessionType = "Placement"
	TypeWorkshop  SessionType = "Workshop"
	TypeSeminar   SessionType = "Seminar"
	TypeClass     SessionType = "Class"
	TypeOther     SessionType = "Other"
)

// Student is an identity record owned by the account that uploaded it.
type Student struct {
	ID           string    `json:"student_id"`
	USN          string    `json:"usn"`
	IDNum        string    `json:"id_num"`
	Name         string    `json:"name"`
	Branch       string    `json:"branch,omitempty"`
	AcademicYear string    `json:"academic_year"`
	BatchYear    string    `json:"batch_year,omitempty"`
	Email        string    `json:"email,omitempty"`
	Photo        string    `json:"photo,omitempty"`
	UploadedBy   string    `json:"uploaded_by"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Matches reports whether code equals the student's primary or alternate code,
// ignoring letter case.
func (s Student) Matches(code string) bool {
	return (s.USN != "" && strings.EqualFold(s.USN, code)) ||
		(s.IDNum != "" && strings.EqualFold(s.IDNum, code))
}

// Cohort scopes a session roster. An empty BatchYear matches every batch.
type Cohort struct {
	AcademicYear string `json:"academic_year"`
	BatchYear    string `json:"batch_year,omitempty"`
}

// Contains reports whether st belongs to the cohort.
func (c Cohort) Contains(st Student) bool {
	if st.AcademicYear != c.AcademicYear {
		return false
	}
	return c.BatchYear == "" || st.BatchYear == c.BatchYear
}

// Session is one bounded attendance-taking window.
type Session struct {
	ID            string        `json:"session_id"`
	Name          string        `json:"session_name"`
	Department    string        `json:"department,omitempty"`
	AcademicYear  string        `json:"academic_year"`
	BatchYear     string        `json:"batch_year,omitempty"`
	Type          SessionType   `json:"session_type"`
	StartedBy     string        `json:"started_by"`
	Status        SessionStatus `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	TotalStudents int           `json:"total_students"`
	PresentCount  int           `json:"present_count"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Cohort returns the roster filter for the session.
func (s Session) Cohort() Cohort {
	return Cohort{AcademicYear: s.AcademicYear, BatchYear: s.BatchYear}
}

// Record joins one session and one student.
type Record struct {
	ID         string     `json:"record_id"`
	SessionID  string     `json:"session_id"`
	StudentID  string     `json:"student_id"`
	StudentUSN string     `json:"student_usn"`
	Method     ScanMethod `json:"scan_method"`
	Timestamp  time.Time  `json:"timestamp"`
}

// PresentEntry is a record joined with the student fields needed to render it.
type PresentEntry struct {
	Record
	Name   string `json:"student_name"`
	Branch string `json:"branch,omitempty"`
	Photo  string `json:"student_photo,omitempty"`
}
