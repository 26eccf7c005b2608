package coordinator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

type fixture struct {
	mem       *storage.Memory
	artifacts *artifact.Store
	sessions  *session.Store
	coord     *Coordinator
	sess      session.Session
}

var keys = []capture.Key{
	{Route: "/", Viewport: "desktop"},
	{Route: "/about", Viewport: "desktop"},
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := storage.NewMemory()
	arts, err := artifact.NewStore(mem, 0)
	if err != nil {
		t.Fatalf("artifact.NewStore() error = %v", err)
	}
	var img bytes.Buffer
	if err := png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	res := capture.Result{RunID: "run-1", StartedAt: time.Now().UTC()}
	for _, k := range keys {
		res.Artifacts = append(res.Artifacts, capture.Artifact{Route: k.Route, Viewport: k.Viewport, Image: img.Bytes(), Status: capture.StatusOK})
	}
	if _, err := arts.SaveRun(ctx, res, "anonymous", nil); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	st := session.NewStore()
	sess, err := st.Create("shop", "run-1", res.OKKeys())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return &fixture{
		mem:       mem,
		artifacts: arts,
		sessions:  st,
		coord:     New(st, arts, mount.Options{APIBase: "http://localhost:8188"}),
		sess:      sess,
	}
}

func (f *fixture) submit(t *testing.T, ids ...string) {
	t.Helper()
	var anns []session.Annotation
	for _, id := range ids {
		anns = append(anns, session.Annotation{ID: id, Route: "/", Viewport: "desktop", Content: "fix " + id, Position: session.Position{X: 0.1, Y: 0.1}})
	}
	if _, err := f.sessions.Submit(f.sess.ID, anns); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestPublishPersistsManifestAndMovesToPublished(t *testing.T) {
	f := setup(t)
	f.submit(t, "a1", "a2")

	got, err := f.coord.Publish(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got.State != session.StatePublished {
		t.Fatalf("State = %s; want published", got.State)
	}
	m, err := f.artifacts.LoadSession(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if m.Session.State != session.StatePublished || len(m.Session.Annotations) != 2 || m.Session.Version != got.Version {
		t.Fatalf("manifest = %s v%d with %d annotations; want published v%d with 2",
			m.Session.State, m.Session.Version, len(m.Session.Annotations), got.Version)
	}
	if len(m.Blobs) != len(keys) {
		t.Fatalf("manifest blobs = %d; want %d", len(m.Blobs), len(keys))
	}
}

func TestFailedPublishIsRetryableWithoutDataLoss(t *testing.T) {
	f := setup(t)
	f.submit(t, "a1", "a2", "a3")
	f.mem.Fail("write", errors.New("bucket unreachable"))

	_, err := f.coord.Publish(context.Background(), f.sess.ID)
	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("Publish() error = %v; want *PublishError", err)
	}
	if pubErr.Stage != StagePersist || !pubErr.Retryable() {
		t.Fatalf("PublishError = %+v; want retryable persist failure", pubErr)
	}
	snap, _ := f.sessions.Snapshot(f.sess.ID)
	if snap.State != session.StateOpen || len(snap.Annotations) != 3 {
		t.Fatalf("after failed publish: %s with %d annotations; want open with 3", snap.State, len(snap.Annotations))
	}

	f.mem.Fail("write", nil)
	got, err := f.coord.Publish(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("Publish() retry error = %v", err)
	}
	if got.State != session.StatePublished || len(got.Annotations) != 3 {
		t.Fatalf("after retry: %s with %d annotations; want published with 3", got.State, len(got.Annotations))
	}
}

func TestPublishValidation(t *testing.T) {
	f := setup(t)
	_, err := f.coord.Publish(context.Background(), f.sess.ID)
	if !errors.Is(err, ErrNothingToPublish) {
		t.Fatalf("Publish(empty) error = %v; want ErrNothingToPublish", err)
	}

	f.submit(t, "a1")
	if _, err := f.coord.Publish(context.Background(), f.sess.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_, err = f.coord.Publish(context.Background(), f.sess.ID)
	var stateErr *session.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Publish(published) error = %v; want StateError", err)
	}
	if _, err := f.coord.Publish(context.Background(), "missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("Publish(missing) error = %v; want ErrSessionNotFound", err)
	}
}

// racingSessions submits one more annotation right before the first
// MarkPublished so the version check fails once.
type racingSessions struct {
	*session.Store
	id    string
	raced bool
}

func (r *racingSessions) MarkPublished(id string, version int64) (session.Session, error) {
	if !r.raced {
		r.raced = true
		_, _ = r.Store.Submit(r.id, []session.Annotation{{ID: "late", Route: "/about", Viewport: "desktop", Content: "late edit"}})
	}
	return r.Store.MarkPublished(id, version)
}

func TestPublishRetriesAfterConcurrentSubmit(t *testing.T) {
	f := setup(t)
	f.submit(t, "a1")
	racing := &racingSessions{Store: f.sessions, id: f.sess.ID}
	coord := New(racing, f.artifacts, mount.Options{})

	got, err := coord.Publish(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(got.Annotations) != 2 {
		t.Fatalf("published annotations = %d; want 2 including the late edit", len(got.Annotations))
	}
	m, _ := f.artifacts.LoadSession(context.Background(), f.sess.ID)
	if len(m.Session.Annotations) != 2 {
		t.Fatalf("manifest annotations = %d; want 2", len(m.Session.Annotations))
	}
}

func TestResolveRejectsOutstanding(t *testing.T) {
	f := setup(t)
	f.submit(t, "a1", "a2", "a3")
	if _, err := f.coord.Publish(context.Background(), f.sess.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	f.sessions.UpdateStatus(f.sess.ID, "a1", session.StatusResolved)

	_, err := f.coord.Resolve(context.Background(), f.sess.ID)
	var outstanding *session.OutstandingError
	if !errors.As(err, &outstanding) || outstanding.Count != 2 {
		t.Fatalf("Resolve() error = %v; want OutstandingError{Count: 2}", err)
	}

	f.sessions.UpdateStatus(f.sess.ID, "a2", session.StatusInProgress)
	f.sessions.UpdateStatus(f.sess.ID, "a2", session.StatusResolved)
	f.sessions.UpdateStatus(f.sess.ID, "a3", session.StatusResolved)

	f.mem.Fail("write", errors.New("disk full"))
	_, err = f.coord.Resolve(context.Background(), f.sess.ID)
	var pubErr *PublishError
	if !errors.As(err, &pubErr) || pubErr.Op != "resolve" || pubErr.Stage != StagePersist {
		t.Fatalf("Resolve() error = %v; want persist PublishError", err)
	}
	if snap, _ := f.sessions.Snapshot(f.sess.ID); snap.State != session.StateResolving {
		t.Fatalf("State after failed resolve = %s; want resolving", snap.State)
	}

	f.mem.Fail("write", nil)
	got, err := f.coord.Resolve(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.State != session.StateResolved || len(got.Annotations) != 3 {
		t.Fatalf("resolved session = %s with %d annotations", got.State, len(got.Annotations))
	}
	m, err := f.artifacts.LoadSession(context.Background(), f.sess.ID)
	if err != nil || m.Session.State != session.StateResolved {
		t.Fatalf("archived manifest = %v, %v; want resolved", m.Session.State, err)
	}
	if ok, _ := f.mem.FileExists(context.Background(), "archive/"+f.sess.ID+"/manifest.json"); !ok {
		t.Fatal("archive manifest missing")
	}
}

// reopeningSessions reopens an annotation right before MarkResolved, after
// the archive manifest has been written.
type reopeningSessions struct {
	*session.Store
	annotationID string
}

func (r *reopeningSessions) MarkResolved(id string, version int64) (session.Session, error) {
	if _, err := r.Store.Reopen(id, r.annotationID, "still broken"); err != nil {
		return session.Session{}, err
	}
	return r.Store.MarkResolved(id, version)
}

func TestResolveLosingRaceDiscardsArchive(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.submit(t, "a1")
	if _, err := f.coord.Publish(ctx, f.sess.ID); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := f.sessions.UpdateStatus(f.sess.ID, "a1", session.StatusResolved); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	coord := New(&reopeningSessions{Store: f.sessions, annotationID: "a1"}, f.artifacts, mount.Options{})
	_, err := coord.Resolve(ctx, f.sess.ID)
	var outstanding *session.OutstandingError
	if !errors.As(err, &outstanding) || outstanding.Count != 1 {
		t.Fatalf("Resolve() error = %v; want OutstandingError{Count: 1}", err)
	}

	if ok, _ := f.mem.FileExists(ctx, "archive/"+f.sess.ID+"/manifest.json"); ok {
		t.Fatal("archive manifest left behind after resolve lost the race")
	}
	list, err := f.artifacts.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 1 || list[0].State != session.StateResolving {
		t.Fatalf("ListSessions() = %d sessions; want one resolving session", len(list))
	}
}

func TestResolveRequiresPublishedSession(t *testing.T) {
	f := setup(t)
	_, err := f.coord.Resolve(context.Background(), f.sess.ID)
	var stateErr *session.StateError
	if !errors.As(err, &stateErr) || stateErr.State != session.StateOpen {
		t.Fatalf("Resolve(open) error = %v; want StateError(open)", err)
	}
}

func TestMounts(t *testing.T) {
	f := setup(t)
	cfg, err := f.coord.AnnotateMount(f.sess.ID)
	if err != nil {
		t.Fatalf("AnnotateMount() error = %v", err)
	}
	if cfg.Path != mount.AnnotatePath || len(cfg.Screenshots) != len(keys) {
		t.Fatalf("AnnotateMount() = %+v", cfg)
	}
	rcfg, err := f.coord.ResolveMount(f.sess.ID, nil)
	if err != nil || rcfg.Path != mount.ResolvePath {
		t.Fatalf("ResolveMount() = %+v, %v", rcfg, err)
	}
	if _, err := f.coord.AnnotateMount("missing"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("AnnotateMount(missing) error = %v; want ErrSessionNotFound", err)
	}
}
