package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dgnsrekt/routeshot/internal/capture"
)

// DefaultScope is used when a session is created without a scope.
const DefaultScope = "default"

// ChangeKind names what happened to a session.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeSubmitted ChangeKind = "submitted"
	ChangeStatus    ChangeKind = "status"
	ChangeReopened  ChangeKind = "reopened"
	ChangePublished ChangeKind = "published"
	ChangeResolved  ChangeKind = "resolved"
)

// Change is delivered to observers after a mutation commits.
type Change struct {
	Kind          ChangeKind `json:"kind"`
	Session       Session    `json:"session"`
	AnnotationIDs []string   `json:"annotationIds,omitempty"`
	At            time.Time  `json:"at"`
}

// Observer receives committed changes. It is called outside the store lock
// and must not block for long.
type Observer interface {
	SessionChanged(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

func (f ObserverFunc) SessionChanged(c Change) { f(c) }

// ImageSource loads the screenshot for a key of a capture run.
type ImageSource interface {
	Image(ctx context.Context, runID string, key capture.Key) ([]byte, error)
}

// Store owns every session. All mutations are serialized by one mutex and
// bump the session version; a failed call leaves the session unchanged.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // scope -> session id

	obsMu     sync.RWMutex
	observers []Observer

	policy *bluemonday.Policy
	now    func() time.Time
	newID  func() string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
		policy:   bluemonday.StrictPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Observe registers o for future changes.
func (st *Store) Observe(o Observer) {
	st.obsMu.Lock()
	st.observers = append(st.observers, o)
	st.obsMu.Unlock()
}

func (st *Store) notify(c Change) {
	st.obsMu.RLock()
	observers := append([]Observer(nil), st.observers...)
	st.obsMu.RUnlock()
	for _, o := range observers {
		o.SessionChanged(c)
	}
}

// commit runs fn on the locked session and, when it reports a change,
// bumps the version and notifies observers after unlocking.
func (st *Store) commit(id string, fn func(s *Session) (ChangeKind, []string, error)) (Session, error) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	work := s.clone()
	kind, ids, err := fn(&work)
	if err != nil {
		st.mu.Unlock()
		return Session{}, err
	}
	if kind == "" {
		snap := s.clone()
		st.mu.Unlock()
		return snap, nil
	}
	work.Version++
	work.UpdatedAt = st.now()
	*s = work
	if s.State == StateResolved && st.active[s.Scope] == s.ID {
		delete(st.active, s.Scope)
	}
	snap := s.clone()
	st.mu.Unlock()

	st.notify(Change{Kind: kind, Session: snap.clone(), AnnotationIDs: ids, At: snap.UpdatedAt})
	return snap, nil
}

// Create opens a session for scope over the successful artifacts of a run.
func (st *Store) Create(scope, runID string, keys []capture.Key) (Session, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = DefaultScope
	}
	uniq := make(map[capture.Key]bool, len(keys))
	var list []capture.Key
	for _, k := range keys {
		if k.Route == "" || k.Viewport == "" || uniq[k] {
			continue
		}
		uniq[k] = true
		list = append(list, k)
	}
	if len(list) == 0 {
		return Session{}, ErrEmptyBatch
	}
	sort.Slice(list, func(i, j int) bool { return list[i].String() < list[j].String() })

	st.mu.Lock()
	if existing, ok := st.active[scope]; ok {
		st.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s (session %s)", ErrActiveSession, scope, existing)
	}
	now := st.now()
	s := &Session{
		ID:          st.newID(),
		Scope:       scope,
		RunID:       runID,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       StateOpen,
		Version:     1,
		Keys:        list,
		Annotations: []Annotation{},
	}
	st.sessions[s.ID] = s
	st.active[scope] = s.ID
	snap := s.clone()
	st.mu.Unlock()

	st.notify(Change{Kind: ChangeCreated, Session: snap.clone(), At: now})
	return snap, nil
}

// Restore loads a previously persisted session, for example on startup.
func (st *Store) Restore(s Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s.ID]; ok {
		return nil
	}
	if s.State.active() {
		if existing, ok := st.active[s.Scope]; ok {
			return fmt.Errorf("%w: %s (session %s)", ErrActiveSession, s.Scope, existing)
		}
		st.active[s.Scope] = s.ID
	}
	cp := s.clone()
	st.sessions[s.ID] = &cp
	return nil
}

// Submit applies a batch of annotations atomically: either every annotation
// is valid and stored, or none is.
//
// Resubmitting an annotation id with identical content is a no-op, so a
// client can safely retry. Reusing an id for different content is rejected.
func (st *Store) Submit(id string, anns []Annotation) (Session, error) {
	return st.commit(id, func(s *Session) (ChangeKind, []string, error) {
		if s.State != StateOpen {
			return "", nil, &StateError{SessionID: s.ID, Op: "submit annotations", State: s.State}
		}
		keys := make(map[capture.Key]bool, len(s.Keys))
		for _, k := range s.Keys {
			keys[k] = true
		}
		existing := make(map[string]Annotation, len(s.Annotations))
		for _, a := range s.Annotations {
			existing[a.ID] = a
		}

		batch := make(map[string]bool, len(anns))
		var staged []Annotation
		for _, a := range anns {
			a, err := st.normalize(a)
			if err != nil {
				return "", nil, err
			}
			if batch[a.ID] {
				return "", nil, &InvalidAnnotationError{ID: a.ID, Reason: "duplicated in submission"}
			}
			batch[a.ID] = true
			if !keys[a.key()] {
				return "", nil, &InvalidAnnotationError{ID: a.ID, Reason: fmt.Sprintf("no screenshot for %s", a.key())}
			}
			if prev, ok := existing[a.ID]; ok {
				if sameSubmission(prev, a) {
					continue
				}
				return "", nil, &InvalidAnnotationError{ID: a.ID, Reason: "id already used by a different annotation"}
			}
			staged = append(staged, a)
		}
		if len(staged) == 0 {
			return "", nil, nil
		}
		s.Annotations = append(s.Annotations, staged...)
		ids := make([]string, len(staged))
		for i, a := range staged {
			ids[i] = a.ID
		}
		return ChangeSubmitted, ids, nil
	})
}

// normalize sanitizes and validates one incoming annotation.
func (st *Store) normalize(a Annotation) (Annotation, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		a.ID = st.newID()
	}
	a.Content = strings.TrimSpace(html.UnescapeString(st.policy.Sanitize(a.Content)))
	if a.Content == "" {
		return a, &InvalidAnnotationError{ID: a.ID, Reason: "content is empty"}
	}
	if a.Priority == "" {
		a.Priority = PriorityMedium
	}
	if !a.Priority.valid() {
		return a, &InvalidAnnotationError{ID: a.ID, Reason: fmt.Sprintf("unknown priority %q", a.Priority)}
	}
	if !a.Position.valid() {
		return a, &InvalidAnnotationError{ID: a.ID, Reason: fmt.Sprintf("position (%g, %g) outside the image", a.Position.X, a.Position.Y)}
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = st.now()
	}
	a.Status = StatusPending
	a.Supersedes = ""
	return a, nil
}

func sameSubmission(a, b Annotation) bool {
	return a.Route == b.Route && a.Viewport == b.Viewport && a.Position == b.Position &&
		a.Content == b.Content && a.Priority == b.Priority
}

// UpdateStatus moves one annotation forward. The first update after publish
// moves the session to resolving.
func (st *Store) UpdateStatus(id, annotationID string, to Status) (Session, error) {
	return st.commit(id, func(s *Session) (ChangeKind, []string, error) {
		if s.State != StatePublished && s.State != StateResolving {
			return "", nil, &StateError{SessionID: s.ID, Op: "update status", State: s.State}
		}
		i := s.indexOf(annotationID)
		if i < 0 {
			return "", nil, &AnnotationNotFoundError{SessionID: s.ID, AnnotationID: annotationID}
		}
		from := s.Annotations[i].Status
		if to.rank() < 0 || to.rank() < from.rank() {
			return "", nil, &IllegalTransitionError{AnnotationID: annotationID, From: from, To: to}
		}
		if to == from {
			return "", nil, nil
		}
		s.Annotations[i].Status = to
		s.State = StateResolving
		return ChangeStatus, []string{annotationID}, nil
	})
}

// Reopen records that a resolved annotation needs more work by appending a
// new pending annotation that supersedes it. Empty content reuses the
// original text.
func (st *Store) Reopen(id, annotationID, content string) (Session, error) {
	return st.commit(id, func(s *Session) (ChangeKind, []string, error) {
		if s.State != StatePublished && s.State != StateResolving {
			return "", nil, &StateError{SessionID: s.ID, Op: "reopen annotation", State: s.State}
		}
		i := s.indexOf(annotationID)
		if i < 0 {
			return "", nil, &AnnotationNotFoundError{SessionID: s.ID, AnnotationID: annotationID}
		}
		orig := s.Annotations[i]
		if orig.Status != StatusResolved {
			return "", nil, &IllegalTransitionError{AnnotationID: annotationID, From: orig.Status, To: StatusPending}
		}
		if strings.TrimSpace(content) == "" {
			content = orig.Content
		}
		next := orig
		next.ID = ""
		next.Timestamp = time.Time{}
		next.Content = content
		next, err := st.normalize(next)
		if err != nil {
			return "", nil, err
		}
		next.Supersedes = orig.ID
		s.Annotations = append(s.Annotations, next)
		s.State = StateResolving
		return ChangeReopened, []string{next.ID}, nil
	})
}

// MarkPublished moves an open session to published if its version still
// equals version.
func (st *Store) MarkPublished(id string, version int64) (Session, error) {
	return st.commit(id, func(s *Session) (ChangeKind, []string, error) {
		if s.State != StateOpen {
			return "", nil, &StateError{SessionID: s.ID, Op: "publish", State: s.State}
		}
		if s.Version != version {
			return "", nil, ErrVersionConflict
		}
		if len(s.Annotations) == 0 {
			return "", nil, &StateError{SessionID: s.ID, Op: "publish without annotations", State: s.State}
		}
		s.State = StatePublished
		return ChangePublished, nil, nil
	})
}

// MarkResolved moves a published or resolving session to resolved if its
// version still equals version and nothing is outstanding. The scope is
// freed for a new session.
func (st *Store) MarkResolved(id string, version int64) (Session, error) {
	return st.commit(id, func(s *Session) (ChangeKind, []string, error) {
		if s.State != StatePublished && s.State != StateResolving {
			return "", nil, &StateError{SessionID: s.ID, Op: "resolve", State: s.State}
		}
		if s.Version != version {
			return "", nil, ErrVersionConflict
		}
		if n := s.Outstanding(); n > 0 {
			return "", nil, &OutstandingError{SessionID: s.ID, Count: n}
		}
		s.State = StateResolved
		return ChangeResolved, nil, nil
	})
}

// Snapshot returns a copy of the session.
func (st *Store) Snapshot(id string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.clone(), nil
}

// Active returns the unresolved session of scope.
func (st *Store) Active(scope string) (Session, error) {
	if scope == "" {
		scope = DefaultScope
	}
	st.mu.Lock()
	id, ok := st.active[scope]
	st.mu.Unlock()
	if !ok {
		return Session{}, fmt.Errorf("%w: no active session for scope %s", ErrSessionNotFound, scope)
	}
	return st.Snapshot(id)
}

// List returns every session, newest first.
func (st *Store) List() []Session {
	st.mu.Lock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.clone())
	}
	st.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AssembleBundle exports a snapshot of the session with its screenshots.
// Later mutations never show up in the returned bundle.
func (st *Store) AssembleBundle(ctx context.Context, id string, images ImageSource) (Bundle, error) {
	snap, err := st.Snapshot(id)
	if err != nil {
		return Bundle{}, err
	}
	shots := make(map[string]map[string]string)
	for _, k := range snap.Keys {
		data, err := images.Image(ctx, snap.RunID, k)
		if err != nil {
			return Bundle{}, fmt.Errorf("bundle %s: image %s: %w", id, k, err)
		}
		if shots[k.Route] == nil {
			shots[k.Route] = make(map[string]string)
		}
		shots[k.Route][k.Viewport] = base64.StdEncoding.EncodeToString(data)
	}
	return Bundle{Session: snap, Screenshots: shots}, nil
}

func (s *Session) indexOf(annotationID string) int {
	for i, a := range s.Annotations {
		if a.ID == annotationID {
			return i
		}
	}
	return -1
}
