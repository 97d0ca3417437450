package attendance

import (
	"math"
	"sort"

	"rollcall/internal/model"
)

// Partition returns the roster students with no entry in present, in roster order.
func Partition(roster []model.Student, present []model.PresentEntry) []model.Student {
	seen := make(map[string]struct{}, len(present))
	for _, p := range present {
		seen[p.StudentID] = struct{}{}
	}
	absent := make([]model.Student, 0, len(roster))
	for _, st := range roster {
		if _, ok := seen[st.ID]; !ok {
			absent = append(absent, st)
		}
	}
	return absent
}

// Dedupe keeps one entry per student, the earliest captured, and returns them
// most recent first. Duplicate rows can exist when two operators race.
func Dedupe(entries []model.PresentEntry) []model.PresentEntry {
	first := make(map[string]model.PresentEntry, len(entries))
	for _, e := range entries {
		cur, ok := first[e.StudentID]
		if !ok || e.Timestamp.Before(cur.Timestamp) ||
			(e.Timestamp.Equal(cur.Timestamp) && e.ID < cur.ID) {
			first[e.StudentID] = e
		}
	}
	out := make([]model.PresentEntry, 0, len(first))
	for _, e := range first {
		out = append(out, e)
	}
	sortRecent(out)
	return out
}

func sortRecent(entries []model.PresentEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
}

// Summary is the per-session headline shown on dashboards.
type Summary struct {
	SessionID  string `json:"session_id"`
	Present    int    `json:"present"`
	Absent     int    `json:"absent"`
	Total      int    `json:"total_students"`
	Percentage int    `json:"percentage"`
}

// Summarize computes attendance figures. With a roster every figure is over
// roster members only, so a record for a student outside it is not counted.
// Without one, Total falls back to the snapshot taken at session creation.
func Summarize(s model.Session, present []model.PresentEntry, roster []model.Student) Summary {
	sum := Summary{SessionID: s.ID}
	if len(roster) > 0 {
		sum.Total = len(roster)
		sum.Absent = len(Partition(roster, present))
		sum.Present = sum.Total - sum.Absent
	} else {
		sum.Total = s.TotalStudents
		sum.Present = len(present)
		if sum.Total > sum.Present {
			sum.Absent = sum.Total - sum.Present
		}
	}
	if sum.Total > 0 {
		sum.Percentage = int(math.Round(float64(sum.Present) / float64(sum.Total) * 100))
	}
	return sum
}
