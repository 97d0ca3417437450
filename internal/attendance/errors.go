package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("student not found")
	ErrDuplicate         = errors.New("student already marked present")
	ErrSessionClosed     = errors.New("session is not accepting attendance")
	ErrSessionNotFound   = errors.New("session not found")
	ErrRecordNotFound    = errors.New("attendance record not found")
	ErrStudentNotFound   = errors.New("student record not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrNotStarted        = errors.New("no session open")
	ErrAlreadyStarted    = errors.New("session view already open")
	ErrDeskNotFound      = errors.New("desk not found")
)

// PersistenceError reports a failed call to the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// settled reports whether err is a definitive answer that retrying can not change.
func settled(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrStudentNotFound)
}
