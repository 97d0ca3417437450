package attendance

import (
	"sync"
	"time"

	"rollcall/internal/model"
)

// CorrectionKind says which optimistic change the server contradicted.
type CorrectionKind string

const (
	// CorrectionNotRecorded: a student shown as marked has no server record.
	CorrectionNotRecorded CorrectionKind = "not_recorded"
	// CorrectionNotRemoved: an unmarked record is still on the server.
	CorrectionNotRemoved CorrectionKind = "not_removed"
)

// Correction is emitted when a refresh contradicts local optimistic state.
type Correction struct {
	Kind     CorrectionKind `json:"kind"`
	RecordID string         `json:"record_id"`
	Student  string         `json:"student_name"`
}

// Snapshot is an immutable view of one session. Callers must not modify
// its slices.
type Snapshot struct {
	Version     uint64               `json:"version"`
	Session     model.Session        `json:"session"`
	Present     []model.PresentEntry `json:"present"`
	Absent      []model.Student      `json:"absent"`
	Last        *Result              `json:"last,omitempty"`
	Corrections []Correction         `json:"corrections,omitempty"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

type pendingAdd struct {
	entry model.PresentEntry
	epoch uint64
}

// pendingDel is an optimistic removal. Until the delete call returns it is
// inflight and no refresh may settle it.
type pendingDel struct {
	entry    model.PresentEntry
	epoch    uint64
	inflight bool
}

// state holds one session's roster and present set. All writes go through
// its methods; readers only ever see published snapshots.
type state struct {
	mu      sync.Mutex
	session model.Session
	roster  []model.Student
	server  []model.PresentEntry
	adds    map[string]pendingAdd
	dels    map[string]pendingDel
	epoch   uint64
	last    *Result
	version uint64
	synced  time.Time

	snap    *Snapshot
	changed chan struct{}
	stopped bool
}

func newState(session model.Session, roster []model.Student) *state {
	s := &state{
		session: session,
		roster:  roster,
		adds:    make(map[string]pendingAdd),
		dels:    make(map[string]pendingDel),
		changed: make(chan struct{}),
	}
	s.publishLocked(nil)
	return s
}

// NoticeTTL is how long the last-scan notice stays in snapshots.
const NoticeTTL = 3 * time.Second

func (s *state) snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.noticeAt(time.Now())
}

// noticeAt hides a last-scan notice older than NoticeTTL.
func (sn *Snapshot) noticeAt(now time.Time) *Snapshot {
	if sn.Last == nil || now.Sub(sn.Last.At) < NoticeTTL {
		return sn
	}
	cp := *sn
	cp.Last = nil
	return &cp
}

// watch returns a channel closed at the next published change.
func (s *state) watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *state) currentSession() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *state) rosterView() []model.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster
}

// currentEpoch stamps the start of a refresh.
func (s *state) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// isPresent is the duplicate guard's lookup against the local view.
func (s *state) isPresent(studentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.snap.Present {
		if e.StudentID == studentID {
			return true
		}
	}
	return false
}

func (s *state) find(recordID string) (model.PresentEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.snap.Present {
		if e.ID == recordID {
			return e, true
		}
	}
	// the visible entry may be a duplicate's survivor; unmarking a hidden
	// duplicate is still allowed
	for _, e := range s.server {
		if _, gone := s.dels[e.ID]; gone {
			continue
		}
		if e.ID == recordID {
			return e, true
		}
	}
	return model.PresentEntry{}, false
}

func (s *state) applyMark(e model.PresentEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.adds[e.ID] = pendingAdd{entry: e, epoch: s.epoch}
	s.publishLocked(nil)
}

func (s *state) applyUnmark(e model.PresentEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	delete(s.adds, e.ID)
	s.dels[e.ID] = pendingDel{entry: e, epoch: s.epoch, inflight: true}
	s.publishLocked(nil)
}

// confirmUnmark records that the store acknowledged the delete. Only
// refreshes starting after this point can settle it.
func (s *state) confirmUnmark(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.dels[recordID]
	if !ok {
		return
	}
	s.epoch++
	p.epoch = s.epoch
	p.inflight = false
	s.dels[recordID] = p
}

// revertUnmark drops an optimistic removal whose delete call failed.
func (s *state) revertUnmark(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dels[recordID]; !ok {
		return
	}
	delete(s.dels, recordID)
	s.publishLocked(nil)
}

func (s *state) setLast(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &r
	s.publishLocked(nil)
}

func (s *state) setSession(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess == s.session {
		return
	}
	s.session = sess
	s.publishLocked(nil)
}

// reconcile replaces the present set with server truth fetched by a refresh
// that started at epoch since. Optimistic changes made before since are
// settled: they either show up on the server or become corrections. Newer
// ones stay pending for the next refresh.
func (s *state) reconcile(since uint64, sess model.Session, records []model.PresentEntry, at time.Time) []Correction {
	s.mu.Lock()
	defer s.mu.Unlock()

	server := Dedupe(records)
	byStudent := make(map[string]struct{}, len(server))
	byRecord := make(map[string]struct{}, len(records))
	for _, e := range server {
		byStudent[e.StudentID] = struct{}{}
	}
	for _, e := range records {
		byRecord[e.ID] = struct{}{}
	}

	var corrections []Correction
	for id, p := range s.adds {
		if p.epoch > since {
			continue
		}
		if _, ok := byStudent[p.entry.StudentID]; !ok {
			corrections = append(corrections, Correction{Kind: CorrectionNotRecorded, RecordID: id, Student: p.entry.Name})
		}
		delete(s.adds, id)
	}
	for id, p := range s.dels {
		if p.inflight || p.epoch > since {
			continue
		}
		if _, ok := byRecord[id]; ok {
			corrections = append(corrections, Correction{Kind: CorrectionNotRemoved, RecordID: id, Student: p.entry.Name})
		}
		delete(s.dels, id)
	}

	s.session = sess
	s.server = records
	s.synced = at
	s.publishLocked(corrections)
	return corrections
}

// stop wakes every watcher for good.
func (s *state) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.changed)
}

// publishLocked rebuilds the snapshot and wakes watchers.
func (s *state) publishLocked(corrections []Correction) {
	view := make([]model.PresentEntry, 0, len(s.server)+len(s.adds))
	for _, e := range s.server {
		if _, gone := s.dels[e.ID]; !gone {
			view = append(view, e)
		}
	}
	for _, p := range s.adds {
		view = append(view, p.entry)
	}
	present := Dedupe(view)

	s.version++
	s.snap = &Snapshot{
		Version:     s.version,
		Session:     s.session,
		Present:     present,
		Absent:      Partition(s.roster, present),
		Last:        s.last,
		Corrections: corrections,
		RefreshedAt: s.synced,
	}
	if s.stopped {
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
}
