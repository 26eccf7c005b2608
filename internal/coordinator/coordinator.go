// Package coordinator runs the two handoffs on top of the session store:
// the client publishing its annotations and the developer resolving them.
// Storage I/O happens outside the store lock; the final state change is a
// compare-and-swap on the session version.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/session"
)

const defaultAttempts = 3

// Sessions is the part of the session store the coordinator drives.
type Sessions interface {
	Snapshot(id string) (session.Session, error)
	MarkPublished(id string, version int64) (session.Session, error)
	MarkResolved(id string, version int64) (session.Session, error)
}

// Manifests persists session manifests.
type Manifests interface {
	SaveSession(ctx context.Context, s session.Session) error
	ArchiveSession(ctx context.Context, s session.Session) error
	DiscardArchive(ctx context.Context, id string) error
}

// Stage names where a handoff failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StagePersist  Stage = "persist"
	StageCommit   Stage = "commit"
)

// ErrNothingToPublish is returned when a session has no annotations.
var ErrNothingToPublish = errors.New("session has no annotations")

// PublishError reports a failed handoff. The session is left in the state it
// had before the call, so the same call can be retried.
type PublishError struct {
	Op        string
	SessionID string
	Stage     Stage
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s session %s: %s: %v", e.Op, e.SessionID, e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Retryable reports whether retrying without changes can succeed.
func (e *PublishError) Retryable() bool {
	return e.Stage == StagePersist || errors.Is(e.Err, session.ErrVersionConflict)
}

// Coordinator runs publish and resolve.
type Coordinator struct {
	sessions  Sessions
	manifests Manifests
	mountOpts mount.Options
	attempts  int
}

func New(sessions Sessions, manifests Manifests, mountOpts mount.Options) *Coordinator {
	return &Coordinator{sessions: sessions, manifests: manifests, mountOpts: mountOpts, attempts: defaultAttempts}
}

// Publish persists the session manifest and moves the session from open to
// published. A submission racing the publish causes a retry against the new
// version.
func (c *Coordinator) Publish(ctx context.Context, id string) (session.Session, error) {
	fail := func(stage Stage, err error) (session.Session, error) {
		return session.Session{}, &PublishError{Op: "publish", SessionID: id, Stage: stage, Err: err}
	}

	for attempt := 1; attempt <= c.attempts; attempt++ {
		snap, err := c.sessions.Snapshot(id)
		if err != nil {
			return fail(StageValidate, err)
		}
		if snap.State != session.StateOpen {
			return fail(StageValidate, &session.StateError{SessionID: id, Op: "publish", State: snap.State})
		}
		if len(snap.Annotations) == 0 {
			return fail(StageValidate, ErrNothingToPublish)
		}

		next := snap
		next.State = session.StatePublished
		next.Version = snap.Version + 1
		if err := c.manifests.SaveSession(ctx, next); err != nil {
			slog.Warn("publish persist failed", "session_id", id, "attempt", attempt, "error", err)
			return fail(StagePersist, err)
		}

		published, err := c.sessions.MarkPublished(id, snap.Version)
		if err == nil {
			slog.Info("session published", "session_id", id, "annotations", len(published.Annotations), "version", published.Version)
			return published, nil
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			c.restoreManifest(ctx, id)
			return fail(StageCommit, err)
		}
		slog.Debug("publish raced a concurrent edit, retrying", "session_id", id, "attempt", attempt)
	}
	c.restoreManifest(ctx, id)
	return fail(StageCommit, session.ErrVersionConflict)
}

// Resolve archives a session whose annotations are all resolved.
func (c *Coordinator) Resolve(ctx context.Context, id string) (session.Session, error) {
	fail := func(stage Stage, err error) (session.Session, error) {
		return session.Session{}, &PublishError{Op: "resolve", SessionID: id, Stage: stage, Err: err}
	}

	for attempt := 1; attempt <= c.attempts; attempt++ {
		snap, err := c.sessions.Snapshot(id)
		if err != nil {
			return session.Session{}, err
		}
		if snap.State != session.StatePublished && snap.State != session.StateResolving {
			return session.Session{}, &session.StateError{SessionID: id, Op: "resolve", State: snap.State}
		}
		if n := snap.Outstanding(); n > 0 {
			return session.Session{}, &session.OutstandingError{SessionID: id, Count: n}
		}

		next := snap
		next.State = session.StateResolved
		next.Version = snap.Version + 1
		if err := c.manifests.ArchiveSession(ctx, next); err != nil {
			slog.Warn("resolve archive failed", "session_id", id, "attempt", attempt, "error", err)
			c.restoreManifest(ctx, id)
			return fail(StagePersist, err)
		}

		resolved, err := c.sessions.MarkResolved(id, snap.Version)
		if err == nil {
			slog.Info("session resolved", "session_id", id, "annotations", len(resolved.Annotations))
			return resolved, nil
		}
		c.discardArchive(ctx, id)
		c.restoreManifest(ctx, id)
		if !errors.Is(err, session.ErrVersionConflict) {
			var outstanding *session.OutstandingError
			if errors.As(err, &outstanding) {
				return session.Session{}, err
			}
			return fail(StageCommit, err)
		}
		slog.Debug("resolve raced a concurrent edit, retrying", "session_id", id, "attempt", attempt)
	}
	return fail(StageCommit, session.ErrVersionConflict)
}

// discardArchive drops an archive written ahead of a resolve that did not
// commit.
func (c *Coordinator) discardArchive(ctx context.Context, id string) {
	if err := c.manifests.DiscardArchive(context.WithoutCancel(ctx), id); err != nil {
		slog.Warn("archive discard failed", "session_id", id, "error", err)
	}
}

// restoreManifest rewrites the live manifest from the current in-memory
// session after a handoff wrote ahead of a commit that did not happen.
func (c *Coordinator) restoreManifest(ctx context.Context, id string) {
	snap, err := c.sessions.Snapshot(id)
	if err != nil {
		return
	}
	if snap.State == session.StateOpen && len(snap.Annotations) == 0 {
		return
	}
	if err := c.manifests.SaveSession(context.WithoutCancel(ctx), snap); err != nil {
		slog.Warn("manifest restore failed", "session_id", id, "error", err)
	}
}

// AnnotateMount returns the config for the client-facing mount point.
func (c *Coordinator) AnnotateMount(id string) (mount.Config, error) {
	snap, err := c.sessions.Snapshot(id)
	if err != nil {
		return mount.Config{}, err
	}
	return mount.Annotate(snap, c.mountOpts), nil
}

// ResolveMount returns the config for the developer-facing mount point.
// livePath, when set, turns canonical routes into visitable paths.
func (c *Coordinator) ResolveMount(id string, livePath func(route string) string) (mount.Config, error) {
	snap, err := c.sessions.Snapshot(id)
	if err != nil {
		return mount.Config{}, err
	}
	opts := c.mountOpts
	if livePath != nil {
		opts.LivePath = livePath
	}
	return mount.Resolve(snap, opts), nil
}
