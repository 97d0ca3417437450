package attendance

import (
	"strings"

	"rollcall/internal/model"
)

// Resolve finds the roster student whose USN or ID number equals code,
// ignoring case. The first match wins.
func Resolve(roster []model.Student, code string) (model.Student, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Student{}, ErrNotFound
	}
	for _, st := range roster {
		if st.Matches(code) {
			return st, nil
		}
	}
	return model.Student{}, ErrNotFound
}
