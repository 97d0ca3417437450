package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/model"
)

// MemoryStore is an in-process Backend for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	students map[string]model.Student
	sessions map[string]model.Session
	records  []model.Record
	last     time.Time

	// StrictDedup rejects a second record for the same session and student.
	StrictDedup bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students: make(map[string]model.Student),
		sessions: make(map[string]model.Session),
	}
}

// now returns strictly increasing timestamps so capture order is total.
func (m *MemoryStore) now() time.Time {
	t := time.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *MemoryStore) GetSession(ctx context.Context, account, sessionID string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.StartedBy != account {
		return model.Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemoryStore) Roster(ctx context.Context, account string, cohort model.Cohort) ([]model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Student
	for _, st := range m.students {
		if st.UploadedBy == account && cohort.Contains(st) {
			out = append(out, st)
		}
	}
	sortByName(out)
	return out, nil
}

// InsertRecord is idempotent on the record id: inserting an id that is
// already stored returns the stored row.
func (m *MemoryStore) InsertRecord(ctx context.Context, rec model.Record) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID != "" {
		for _, r := range m.records {
			if r.ID == rec.ID {
				return r, nil
			}
		}
	}
	s, ok := m.sessions[rec.SessionID]
	if !ok {
		return model.Record{}, ErrSessionNotFound
	}
	if s.Status == model.StatusEnded {
		return model.Record{}, ErrSessionClosed
	}
	if _, ok := m.students[rec.StudentID]; !ok {
		return model.Record{}, ErrStudentNotFound
	}
	if m.StrictDedup {
		for _, r := range m.records {
			if r.SessionID == rec.SessionID && r.StudentID == rec.StudentID {
				return model.Record{}, ErrDuplicate
			}
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Method == "" {
		rec.Method = model.MethodManual
	}
	rec.Timestamp = m.now()
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *MemoryStore) SessionRecords(ctx context.Context, sessionID string) ([]model.PresentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PresentEntry{}
	for _, r := range m.records {
		if r.SessionID != sessionID {
			continue
		}
		e := model.PresentEntry{Record: r, Name: "Unknown"}
		if st, ok := m.students[r.StudentID]; ok {
			e.Name, e.Branch, e.Photo = st.Name, st.Branch, st.Photo
		}
		out = append(out, e)
	}
	sortRecent(out)
	return out, nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, sessionID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == recordID && r.SessionID == sessionID {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return ErrRecordNotFound
}

func (m *MemoryStore) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := m.now()
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	if s.Status == "" {
		s.Status = model.StatusActive
	}
	s.CreatedAt = now
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, account string) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Session{}
	for _, s := range m.sessions {
		if s.StartedBy == account {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, account, sessionID string, from, to model.SessionStatus, endTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.StartedBy != account {
		return ErrSessionNotFound
	}
	if s.Status != from {
		return fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, s.Status, from)
	}
	s.Status = to
	if endTime != nil {
		s.EndTime = endTime
	}
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, account, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.StartedBy != account {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.SessionID != sessionID {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *MemoryStore) CountCohort(ctx context.Context, account string, cohort model.Cohort) (int, error) {
	roster, err := m.Roster(ctx, account, cohort)
	return len(roster), err
}

func (m *MemoryStore) CreateStudent(ctx context.Context, st model.Student) (model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	st.UploadedAt = m.now()
	m.students[st.ID] = st
	return st, nil
}

func (m *MemoryStore) ListStudents(ctx context.Context, account string) ([]model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Student{}
	for _, st := range m.students {
		if st.UploadedBy == account {
			out = append(out, st)
		}
	}
	sortByName(out)
	return out, nil
}

func (m *MemoryStore) DeleteStudent(ctx context.Context, account, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentID]
	if !ok || st.UploadedBy != account {
		return ErrStudentNotFound
	}
	delete(m.students, studentID)
	kept := m.records[:0]
	for _, r := range m.records {
		if r.StudentID != studentID {
			kept = append(kept, r)
		}
	}
	m.records = kept
	return nil
}

func (m *MemoryStore) RecountSession(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	seen := make(map[string]struct{})
	for _, r := range m.records {
		if r.SessionID == sessionID {
			seen[r.StudentID] = struct{}{}
		}
	}
	s.PresentCount = len(seen)
	m.sessions[sessionID] = s
	return s.PresentCount, nil
}

func (m *MemoryStore) SessionStats(ctx context.Context, account string, since time.Time) (SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st SessionStats
	for _, s := range m.sessions {
		if s.StartedBy != account {
			continue
		}
		st.Total++
		if s.Status == model.StatusActive {
			st.Active++
		}
		if !s.StartTime.Before(since) {
			st.RecentPresent += s.PresentCount
		}
	}
	return st, nil
}

func (m *MemoryStore) StudentGroups(ctx context.Context, account string) (StudentGroups, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batches := map[string]int{}
	branches := map[string]int{}
	g := StudentGroups{Batches: []GroupCount{}, Branches: []GroupCount{}}
	for _, st := range m.students {
		if st.UploadedBy != account {
			continue
		}
		g.Total++
		if st.BatchYear != "" {
			batches[st.BatchYear]++
		}
		if st.Branch != "" {
			branches[st.Branch]++
		}
	}
	for k, n := range batches {
		g.Batches = append(g.Batches, GroupCount{Key: k, Students: n})
	}
	for k, n := range branches {
		g.Branches = append(g.Branches, GroupCount{Key: k, Students: n})
	}
	sort.Slice(g.Batches, func(i, j int) bool { return g.Batches[i].Key > g.Batches[j].Key })
	sort.Slice(g.Branches, func(i, j int) bool {
		if g.Branches[i].Students != g.Branches[j].Students {
			return g.Branches[i].Students > g.Branches[j].Students
		}
		return g.Branches[i].Key < g.Branches[j].Key
	})
	return g, nil
}

func sortByName(students []model.Student) {
	sort.Slice(students, func(i, j int) bool {
		if students[i].Name != students[j].Name {
			return students[i].Name < students[j].Name
		}
		return students[i].USN < students[j].USN
	})
}
