package session

import (
	"errors"
	"fmt"
)

var (
	// ErrActiveSession is returned when the scope already has a session that
	// has not been resolved.
	ErrActiveSession = errors.New("scope already has an active session")
	// ErrEmptyBatch is returned when a session would have no screenshots.
	ErrEmptyBatch = errors.New("capture batch has no successful artifacts")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a compare-and-swap sees a newer
	// version than the caller read.
	ErrVersionConflict = errors.New("session version changed")
	// ErrImageNotFound is returned by an ImageSource with no blob for a key.
	ErrImageNotFound = errors.New("image not found")
)

// StateError reports an operation attempted in the wrong session state.
type StateError struct {
	SessionID string
	Op        string
	State     State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Op, e.State)
}

// InvalidAnnotationError rejects a submission because of one annotation.
type InvalidAnnotationError struct {
	ID     string
	Reason string
}

func (e *InvalidAnnotationError) Error() string {
	return fmt.Sprintf("invalid annotation %q: %s", e.ID, e.Reason)
}

// IllegalTransitionError reports a status change against the monotonic order
// pending, in-progress, resolved.
type IllegalTransitionError struct {
	AnnotationID string
	From         Status
	To           Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("annotation %s: illegal transition %s -> %s", e.AnnotationID, e.From, e.To)
}

// OutstandingError rejects resolve while annotations remain unresolved.
type OutstandingError struct {
	SessionID string
	Count     int
}

func (e *OutstandingError) Error() string {
	return fmt.Sprintf("session %s: %d annotation(s) not resolved", e.SessionID, e.Count)
}

// AnnotationNotFoundError reports an unknown annotation id.
type AnnotationNotFoundError struct {
	SessionID    string
	AnnotationID string
}

func (e *AnnotationNotFoundError) Error() string {
	return fmt.Sprintf("session %s: annotation %s not found", e.SessionID, e.AnnotationID)
}
