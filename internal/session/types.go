// Package session holds annotation sessions: the feedback a client collects
// against one capture batch, and the state machine that moves it from open
// through published and resolving to resolved.
package session

import (
	"time"

	"github.com/dgnsrekt/routeshot/internal/capture"
)

// State of a session.
type State string

const (
	StateOpen      State = "open"
	StatePublished State = "published"
	StateResolving State = "resolving"
	StateResolved  State = "resolved"
)

// active reports whether the session still occupies its scope.
func (s State) active() bool { return s != StateResolved }

// Status of a single annotation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// Priority of an annotation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Position is a point on the captured image as a fraction of its width and
// height, origin top-left.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Position) valid() bool {
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

// Annotation is one piece of client feedback pinned to a screenshot.
type Annotation struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Route      string    `json:"route"`
	Viewport   string    `json:"viewport"`
	Position   Position  `json:"position"`
	Content    string    `json:"content"`
	Priority   Priority  `json:"priority"`
	Status     Status    `json:"status"`
	Supersedes string    `json:"supersedes,omitempty"`
}

func (a Annotation) key() capture.Key {
	return capture.Key{Route: a.Route, Viewport: a.Viewport}
}

// Session is the unit of feedback collected against one capture run.
type Session struct {
	ID          string        `json:"sessionId"`
	Scope       string        `json:"scope"`
	RunID       string        `json:"runId"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	State       State         `json:"state"`
	Version     int64         `json:"version"`
	Keys        []capture.Key `json:"keys"`
	Annotations []Annotation  `json:"annotations"`
}

// Outstanding counts annotations that are not resolved.
func (s Session) Outstanding() int {
	n := 0
	for _, a := range s.Annotations {
		if a.Status != StatusResolved {
			n++
		}
	}
	return n
}

func (s Session) clone() Session {
	out := s
	out.Keys = append([]capture.Key(nil), s.Keys...)
	out.Annotations = append([]Annotation(nil), s.Annotations...)
	return out
}

// Bundle is a read-only export of a session with its screenshots inlined as
// base64, keyed by route then viewport.
type Bundle struct {
	Session     Session                      `json:"session"`
	Screenshots map[string]map[string]string `json:"screenshots"`
}
