package controller

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/config"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/routes"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

const testProject = `
base_url: http://localhost:3000
scope: shop
sources:
  - convention: route-table
    table:
      - path: /
      - path: /product/:slug
      - path: /broken
viewports:
  - {name: desktop, width: 1280, height: 800}
  - {name: mobile, width: 390, height: 844}
profiles:
  - id: admin
    auth: {authenticated: true}
    params:
      "/product/:slug": {slug: blue-shoe}
`

// fakeCapturer fails /broken and captures everything else.
type fakeCapturer struct {
	mu      sync.Mutex
	calls   int
	profile fixture.Profile
	block   chan struct{}
}

func (f *fakeCapturer) Run(ctx context.Context, rts []routes.Descriptor, vps []capture.Viewport, profile fixture.Profile) (capture.Result, error) {
	f.mu.Lock()
	f.calls++
	f.profile = profile
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	res := capture.Result{RunID: "run-" + time.Now().UTC().Format("150405.000000000"), StartedAt: time.Now().UTC()}
	ok := 0
	for _, r := range rts {
		for _, v := range vps {
			a := capture.Artifact{Route: r.Path, Viewport: v.Name, CapturedAt: time.Now().UTC()}
			if r.Path == "/broken" {
				a.Status = capture.StatusFailed
				a.Error = "navigate: timed out"
				res.Failures = append(res.Failures, capture.Failure{Route: r.Path, Viewport: v.Name, Error: a.Error})
			} else {
				a.Status = capture.StatusOK
				a.Image = buf.Bytes()
				ok++
			}
			res.Artifacts = append(res.Artifacts, a)
		}
	}
	res.FinishedAt = time.Now().UTC()
	if ok == 0 {
		return res, capture.ErrNoArtifacts
	}
	return res, nil
}

func newTestService(t *testing.T) (*Service, *fakeCapturer, *storage.Memory) {
	t.Helper()
	project, err := config.ParseProject([]byte(testProject))
	if err != nil {
		t.Fatalf("ParseProject() error = %v", err)
	}
	mem := storage.NewMemory()
	arts, err := artifact.NewStore(mem, 0)
	if err != nil {
		t.Fatalf("artifact.NewStore() error = %v", err)
	}
	fc := &fakeCapturer{}
	return NewService(project, fc, arts, session.NewStore(), mount.Options{APIBase: "http://localhost:8188"}), fc, mem
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("run-1", "run_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}
	err := s.requireNonEmpty("   ", "run_id")
	var got *CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *CodedError", err)
	}
	if got.Code != CodeValidation || got.Message != "run_id is required" {
		t.Fatalf("requireNonEmpty() = %q %q", got.Code, got.Message)
	}
}

func TestCaptureSavesRunWithFailures(t *testing.T) {
	s, fc, mem := newTestService(t)
	ctx := context.Background()

	m, err := s.Capture(ctx, CaptureRequest{Profile: "admin"})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(m.Artifacts) != 6 || len(m.OKKeys()) != 4 {
		t.Fatalf("Capture() = %d artifacts, %d ok; want 6, 4", len(m.Artifacts), len(m.OKKeys()))
	}
	if fc.profile.ID != "admin" {
		t.Fatalf("profile = %q; want admin", fc.profile.ID)
	}
	if ok, _ := mem.FileExists(ctx, "runs/"+m.RunID+"/batch.json"); !ok {
		t.Fatal("batch manifest not written")
	}
	img, err := s.Image(ctx, m.RunID, capture.Key{Route: "/product/:slug", Viewport: "mobile"}, false)
	if err != nil || len(img) == 0 {
		t.Fatalf("Image() = %d bytes, %v", len(img), err)
	}
	if _, err := s.Image(ctx, m.RunID, capture.Key{Route: "/broken", Viewport: "mobile"}, true); !errors.Is(err, session.ErrImageNotFound) {
		t.Fatalf("Image(failed pair) error = %v; want ErrImageNotFound", err)
	}
}

func TestCaptureFilters(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	m, err := s.Capture(ctx, CaptureRequest{Routes: []string{"/"}, Viewports: []string{"mobile"}})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Viewport != "mobile" || m.ProfileID != "anonymous" {
		t.Fatalf("Capture() = %+v", m)
	}

	var coded *CodedError
	if _, err := s.Capture(ctx, CaptureRequest{Routes: []string{"/nope"}}); !errors.As(err, &coded) || coded.Code != CodeValidation {
		t.Fatalf("Capture(unknown route) error = %v; want validation", err)
	}
	if _, err := s.Capture(ctx, CaptureRequest{Viewports: []string{"watch"}}); !errors.As(err, &coded) || coded.Code != CodeValidation {
		t.Fatalf("Capture(unknown viewport) error = %v; want validation", err)
	}
	if _, err := s.Capture(ctx, CaptureRequest{Profile: "ghost"}); !errors.As(err, &coded) || coded.Code != CodeValidation {
		t.Fatalf("Capture(unknown profile) error = %v; want validation", err)
	}
}

func TestCaptureIgnoresRepeatedFilters(t *testing.T) {
	s, _, _ := newTestService(t)
	m, err := s.Capture(context.Background(), CaptureRequest{
		Routes:    []string{"/", "/", " /"},
		Viewports: []string{"desktop", "desktop"},
	})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if m.RunID == "" || len(m.Artifacts) != 1 {
		t.Fatalf("Capture() = run %q with %d artifacts; want one artifact", m.RunID, len(m.Artifacts))
	}
	if a := m.Artifacts[0]; a.Route != "/" || a.Viewport != "desktop" || a.Status != capture.StatusOK {
		t.Fatalf("artifact = %+v; want ok /@desktop", a)
	}
}

func TestCaptureAllFailedStillSavesRun(t *testing.T) {
	s, _, mem := newTestService(t)
	m, err := s.Capture(context.Background(), CaptureRequest{Routes: []string{"/broken"}})
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCaptureFailed || !errors.Is(err, capture.ErrNoArtifacts) {
		t.Fatalf("Capture() error = %v; want CAPTURE_FAILED wrapping ErrNoArtifacts", err)
	}
	if ok, _ := mem.FileExists(context.Background(), "runs/"+m.RunID+"/batch.json"); !ok {
		t.Fatal("failed run not recorded")
	}
}

func TestCaptureIsExclusive(t *testing.T) {
	s, fc, _ := newTestService(t)
	fc.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Capture(context.Background(), CaptureRequest{})
		done <- err
	}()
	for {
		fc.mu.Lock()
		calls := fc.calls
		fc.mu.Unlock()
		if calls == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var coded *CodedError
	if _, err := s.Capture(context.Background(), CaptureRequest{}); !errors.As(err, &coded) || coded.Code != CodeCaptureBusy {
		t.Fatalf("concurrent Capture() error = %v; want CAPTURE_BUSY", err)
	}
	close(fc.block)
	if err := <-done; err != nil {
		t.Fatalf("first Capture() error = %v", err)
	}
}

func TestReviewWorkflow(t *testing.T) {
	s, _, mem := newTestService(t)
	ctx := context.Background()
	m, err := s.Capture(ctx, CaptureRequest{})
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	sess, err := s.CreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.RunID != m.RunID || sess.Scope != "shop" || len(sess.Keys) != 4 {
		t.Fatalf("CreateSession() = run %s scope %s keys %d", sess.RunID, sess.Scope, len(sess.Keys))
	}
	if ok, _ := mem.FileExists(ctx, "sessions/"+sess.ID+"/manifest.json"); !ok {
		t.Fatal("open session not persisted")
	}
	if _, err := s.CreateSession(ctx, "shop", m.RunID); !errors.Is(err, session.ErrActiveSession) {
		t.Fatalf("second CreateSession() error = %v; want ErrActiveSession", err)
	}

	sess, err = s.SubmitAnnotations(ctx, sess.ID, []session.Annotation{
		{ID: "a1", Route: "/", Viewport: "desktop", Content: "<b>logo</b> too small", Position: session.Position{X: 0.2, Y: 0.1}},
		{ID: "a2", Route: "/product/:slug", Viewport: "mobile", Content: "price wraps", Priority: session.PriorityHigh},
	})
	if err != nil {
		t.Fatalf("SubmitAnnotations() error = %v", err)
	}
	if sess.Annotations[0].Content != "logo too small" {
		t.Fatalf("content = %q; want markup stripped", sess.Annotations[0].Content)
	}

	if sess, err = s.Publish(ctx, sess.ID); err != nil || sess.State != session.StatePublished {
		t.Fatalf("Publish() = %s, %v", sess.State, err)
	}
	if _, err := s.UpdateStatus(ctx, sess.ID, "a1", session.StatusResolved); err != nil {
		t.Fatalf("UpdateStatus(a1) error = %v", err)
	}
	if _, err := s.Resolve(ctx, sess.ID); err == nil {
		t.Fatal("Resolve() with outstanding work error = nil")
	}
	if _, err := s.UpdateStatus(ctx, sess.ID, "a2", session.StatusResolved); err != nil {
		t.Fatalf("UpdateStatus(a2) error = %v", err)
	}

	bundle, err := s.Bundle(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if len(bundle.Screenshots) != 2 || bundle.Screenshots["/"]["desktop"] == "" {
		t.Fatalf("Bundle() screenshots = %v", bundle.Screenshots)
	}

	resolved, err := s.Resolve(ctx, sess.ID)
	if err != nil || resolved.State != session.StateResolved {
		t.Fatalf("Resolve() = %s, %v", resolved.State, err)
	}
	if ok, _ := mem.FileExists(ctx, "sessions/"+sess.ID+"/manifest.json"); ok {
		t.Fatal("live manifest left after resolve")
	}
	if _, err := s.ActiveSession(ctx, ""); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("ActiveSession() after resolve error = %v; want ErrSessionNotFound", err)
	}
	if _, err := s.CreateSession(ctx, "", m.RunID); err != nil {
		t.Fatalf("CreateSession() after resolve error = %v", err)
	}
}

func TestRestoreReloadsSessions(t *testing.T) {
	s, _, mem := newTestService(t)
	ctx := context.Background()
	if _, err := s.Capture(ctx, CaptureRequest{}); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	sess, err := s.CreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := s.SubmitAnnotations(ctx, sess.ID, []session.Annotation{{ID: "a1", Route: "/", Viewport: "desktop", Content: "draft"}}); err != nil {
		t.Fatalf("SubmitAnnotations() error = %v", err)
	}

	project, _ := config.ParseProject([]byte(testProject))
	arts, _ := artifact.NewStore(mem, 0)
	restarted := NewService(project, &fakeCapturer{}, arts, session.NewStore(), mount.Options{})
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, err := restarted.ActiveSession(ctx, "shop")
	if err != nil {
		t.Fatalf("ActiveSession() error = %v", err)
	}
	if got.ID != sess.ID || len(got.Annotations) != 1 || got.Annotations[0].Content != "draft" {
		t.Fatalf("restored session = %+v", got)
	}
}

func TestCreateSessionWithoutRuns(t *testing.T) {
	s, _, _ := newTestService(t)
	var coded *CodedError
	if _, err := s.CreateSession(context.Background(), "", ""); !errors.As(err, &coded) || coded.Code != CodeRunNotFound {
		t.Fatalf("CreateSession() error = %v; want RUN_NOT_FOUND", err)
	}
	if _, err := s.GetRun(context.Background(), "missing"); !errors.As(err, &coded) || coded.Code != CodeRunNotFound {
		t.Fatalf("GetRun(missing) error = %v; want RUN_NOT_FOUND", err)
	}
}

func TestMountsFollowSession(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.Capture(ctx, CaptureRequest{Profile: "admin"}); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	sess, _ := s.CreateSession(ctx, "", "")
	cfg, err := s.ResolveMount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ResolveMount() error = %v", err)
	}
	live := make(map[string]string)
	for _, shot := range cfg.Screenshots {
		live[shot.Route] = shot.LiveURL
	}
	if got := live["/product/:slug"]; got != "http://localhost:3000/product/blue-shoe" {
		t.Fatalf("LiveURL(/product/:slug) = %q; want profile params filled in", got)
	}
	if got := live["/"]; got != "http://localhost:3000/" {
		t.Fatalf("LiveURL(/) = %q", got)
	}
}

func TestResolveMountWithoutProfileParams(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.Capture(ctx, CaptureRequest{Routes: []string{"/product/:slug"}}); err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	sess, _ := s.CreateSession(ctx, "", "")
	cfg, err := s.ResolveMount(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ResolveMount() error = %v", err)
	}
	if got := cfg.Screenshots[0].LiveURL; got != "http://localhost:3000/product/slug" {
		t.Fatalf("LiveURL = %q; want http://localhost:3000/product/slug", got)
	}
}
