package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/dgnsrekt/routeshot/internal/artifact"
	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/config"
	"github.com/dgnsrekt/routeshot/internal/coordinator"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/mount"
	"github.com/dgnsrekt/routeshot/internal/routes"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

// Capturer runs a capture over routes and viewports.
type Capturer interface {
	Run(ctx context.Context, rts []routes.Descriptor, viewports []capture.Viewport, profile fixture.Profile) (capture.Result, error)
}

// CaptureRequest narrows a capture run. Empty fields select everything in
// the project.
type CaptureRequest struct {
	Profile   string
	Routes    []string
	Viewports []string
}

// Service ties discovery, capture, persistence and the review workflow
// together for the API and the CLI.
type Service struct {
	project   *config.Project
	capturer  Capturer
	artifacts *artifact.Store
	sessions  *session.Store
	coord     *coordinator.Coordinator

	captureMu sync.Mutex

	persistMu sync.Mutex
	persisted map[string]int64
}

func NewService(project *config.Project, capturer Capturer, artifacts *artifact.Store, sessions *session.Store, mountOpts mount.Options) *Service {
	if mountOpts.LiveBaseURL == "" {
		mountOpts.LiveBaseURL = project.LiveURL
	}
	return &Service{
		project:   project,
		capturer:  capturer,
		artifacts: artifacts,
		sessions:  sessions,
		coord:     coordinator.New(sessions, artifacts, mountOpts),
		persisted: make(map[string]int64),
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &CodedError{Code: CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// Restore loads persisted sessions into the session store.
func (s *Service) Restore(ctx context.Context) error {
	list, err := s.artifacts.ListSessions(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, sess := range list {
		if err := s.sessions.Restore(sess); err != nil {
			slog.Warn("session restore skipped", "session_id", sess.ID, "scope", sess.Scope, "error", err)
			continue
		}
		s.persistMu.Lock()
		s.persisted[sess.ID] = sess.Version
		s.persistMu.Unlock()
		restored++
	}
	slog.Info("sessions restored", "count", restored)
	return nil
}

// DiscoverRoutes builds the route manifest of the project.
func (s *Service) DiscoverRoutes(ctx context.Context) ([]routes.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srcs, err := s.project.RouteSources()
	if err != nil {
		return nil, err
	}
	return routes.Build(srcs...)
}

// Capture runs one capture and persists whatever it produced. Only one
// capture runs at a time.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (artifact.RunManifest, error) {
	if !s.captureMu.TryLock() {
		return artifact.RunManifest{}, newError(CodeCaptureBusy, "a capture is already running", nil)
	}
	defer s.captureMu.Unlock()

	all, err := s.DiscoverRoutes(ctx)
	if err != nil {
		return artifact.RunManifest{}, err
	}
	rts, err := selectRoutes(all, req.Routes)
	if err != nil {
		return artifact.RunManifest{}, err
	}
	vps, err := selectViewports(s.project.Viewports, req.Viewports)
	if err != nil {
		return artifact.RunManifest{}, err
	}
	profile, err := s.project.ResolveProfile(strings.TrimSpace(req.Profile))
	if err != nil {
		return artifact.RunManifest{}, newError(CodeValidation, err.Error(), nil)
	}

	res, runErr := s.capturer.Run(ctx, rts, vps, profile)
	if res.RunID == "" || len(res.Artifacts) == 0 {
		if errors.Is(runErr, capture.ErrNoArtifacts) {
			return artifact.RunManifest{}, newError(CodeCaptureFailed, "no routes to capture", runErr)
		}
		return artifact.RunManifest{}, runErr
	}

	m, err := s.artifacts.SaveRun(context.WithoutCancel(ctx), res, profile.ID, vps)
	if err != nil {
		return artifact.RunManifest{}, err
	}
	slog.Info("capture saved", "run_id", m.RunID, "artifacts", len(m.Artifacts), "ok", len(m.OKKeys()), "failed", len(res.Failures))
	if errors.Is(runErr, capture.ErrNoArtifacts) {
		return m, newError(CodeCaptureFailed, "every capture failed", runErr)
	}
	return m, runErr
}

func selectRoutes(all []routes.Descriptor, want []string) ([]routes.Descriptor, error) {
	if len(want) == 0 {
		return all, nil
	}
	byPath := make(map[string]routes.Descriptor, len(all))
	for _, d := range all {
		byPath[d.Path] = d
	}
	out := make([]routes.Descriptor, 0, len(want))
	picked := make(map[string]bool, len(want))
	for _, p := range want {
		d, ok := byPath[strings.TrimSpace(p)]
		if !ok {
			return nil, newError(CodeValidation, "unknown route "+p, nil)
		}
		if picked[d.Path] {
			continue
		}
		picked[d.Path] = true
		out = append(out, d)
	}
	return out, nil
}

func selectViewports(all []capture.Viewport, want []string) ([]capture.Viewport, error) {
	if len(want) == 0 {
		return all, nil
	}
	byName := make(map[string]capture.Viewport, len(all))
	for _, v := range all {
		byName[v.Name] = v
	}
	out := make([]capture.Viewport, 0, len(want))
	picked := make(map[string]bool, len(want))
	for _, n := range want {
		v, ok := byName[strings.TrimSpace(n)]
		if !ok {
			return nil, newError(CodeValidation, "unknown viewport "+n, nil)
		}
		if picked[v.Name] {
			continue
		}
		picked[v.Name] = true
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) ListRuns(ctx context.Context) ([]artifact.RunManifest, error) {
	return s.artifacts.ListRuns(ctx)
}

func (s *Service) GetRun(ctx context.Context, runID string) (artifact.RunManifest, error) {
	if err := s.requireNonEmpty(runID, "run_id"); err != nil {
		return artifact.RunManifest{}, err
	}
	m, err := s.artifacts.LoadRun(ctx, strings.TrimSpace(runID))
	if errors.Is(err, storage.ErrNotFound) {
		return artifact.RunManifest{}, newError(CodeRunNotFound, "run "+runID+" not found", err)
	}
	return m, err
}

// Image returns the full screenshot or its thumbnail.
func (s *Service) Image(ctx context.Context, runID string, key capture.Key, thumb bool) ([]byte, error) {
	if err := s.requireNonEmpty(runID, "run_id"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(key.Route, "route"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(key.Viewport, "viewport"); err != nil {
		return nil, err
	}
	if thumb {
		return s.artifacts.Thumbnail(ctx, runID, key)
	}
	return s.artifacts.Image(ctx, runID, key)
}

// CreateSession opens a review session over a run. An empty runID selects
// the newest run; an empty scope selects the project scope.
func (s *Service) CreateSession(ctx context.Context, scope, runID string) (session.Session, error) {
	if strings.TrimSpace(scope) == "" {
		scope = s.project.Scope
	}
	var m artifact.RunManifest
	if strings.TrimSpace(runID) == "" {
		runs, err := s.artifacts.ListRuns(ctx)
		if err != nil {
			return session.Session{}, err
		}
		if len(runs) == 0 {
			return session.Session{}, newError(CodeRunNotFound, "no capture runs yet", nil)
		}
		m = runs[0]
	} else {
		var err error
		if m, err = s.GetRun(ctx, runID); err != nil {
			return session.Session{}, err
		}
	}
	sess, err := s.sessions.Create(scope, m.RunID, m.OKKeys())
	if err != nil {
		return session.Session{}, err
	}
	s.persist(ctx, sess.ID)
	return sess, nil
}

func (s *Service) GetSession(_ context.Context, id string) (session.Session, error) {
	return s.sessions.Snapshot(strings.TrimSpace(id))
}

func (s *Service) ListSessions(context.Context) ([]session.Session, error) {
	return s.sessions.List(), nil
}

func (s *Service) ActiveSession(_ context.Context, scope string) (session.Session, error) {
	if strings.TrimSpace(scope) == "" {
		scope = s.project.Scope
	}
	return s.sessions.Active(scope)
}

func (s *Service) SubmitAnnotations(ctx context.Context, id string, anns []session.Annotation) (session.Session, error) {
	if len(anns) == 0 {
		return session.Session{}, newError(CodeValidation, "annotations are required", nil)
	}
	sess, err := s.sessions.Submit(strings.TrimSpace(id), anns)
	if err != nil {
		return session.Session{}, err
	}
	s.persist(ctx, sess.ID)
	return sess, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id, annotationID string, status session.Status) (session.Session, error) {
	if err := s.requireNonEmpty(annotationID, "annotation_id"); err != nil {
		return session.Session{}, err
	}
	sess, err := s.sessions.UpdateStatus(strings.TrimSpace(id), strings.TrimSpace(annotationID), status)
	if err != nil {
		return session.Session{}, err
	}
	s.persist(ctx, sess.ID)
	return sess, nil
}

func (s *Service) ReopenAnnotation(ctx context.Context, id, annotationID, content string) (session.Session, error) {
	if err := s.requireNonEmpty(annotationID, "annotation_id"); err != nil {
		return session.Session{}, err
	}
	sess, err := s.sessions.Reopen(strings.TrimSpace(id), strings.TrimSpace(annotationID), content)
	if err != nil {
		return session.Session{}, err
	}
	s.persist(ctx, sess.ID)
	return sess, nil
}

// Publish and Resolve hold persistMu so a progress write never lands
// between the coordinator's manifest write and its commit.
func (s *Service) Publish(ctx context.Context, id string) (session.Session, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	sess, err := s.coord.Publish(ctx, strings.TrimSpace(id))
	if err != nil {
		return session.Session{}, err
	}
	s.markPersisted(sess)
	return sess, nil
}

func (s *Service) Resolve(ctx context.Context, id string) (session.Session, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	sess, err := s.coord.Resolve(ctx, strings.TrimSpace(id))
	if err != nil {
		return session.Session{}, err
	}
	s.markPersisted(sess)
	return sess, nil
}

func (s *Service) Bundle(ctx context.Context, id string) (session.Bundle, error) {
	return s.sessions.AssembleBundle(ctx, strings.TrimSpace(id), s.artifacts)
}

func (s *Service) AnnotateMount(_ context.Context, id string) (mount.Config, error) {
	return s.coord.AnnotateMount(strings.TrimSpace(id))
}

// ResolveMount links each screenshot to the live route, with parameters
// filled from the profile the run was captured with.
func (s *Service) ResolveMount(ctx context.Context, id string) (mount.Config, error) {
	id = strings.TrimSpace(id)
	sess, err := s.sessions.Snapshot(id)
	if err != nil {
		return mount.Config{}, err
	}
	return s.coord.ResolveMount(id, s.livePaths(ctx, sess.RunID))
}

// livePaths returns a resolver for the routes of runID, or nil when the run
// or its profile can no longer be found.
func (s *Service) livePaths(ctx context.Context, runID string) func(string) string {
	m, err := s.artifacts.LoadRun(ctx, runID)
	if err != nil {
		slog.Debug("live paths unavailable", "run_id", runID, "error", err)
		return nil
	}
	profile, err := s.project.ResolveProfile(m.ProfileID)
	if err != nil {
		slog.Debug("live paths unavailable", "run_id", runID, "profile", m.ProfileID, "error", err)
		return nil
	}
	all, err := s.DiscoverRoutes(ctx)
	if err != nil {
		slog.Debug("live paths unavailable", "run_id", runID, "error", err)
		return nil
	}
	byPath := make(map[string]routes.Descriptor, len(all))
	for _, d := range all {
		byPath[d.Path] = d
	}
	return func(route string) string {
		d, ok := byPath[route]
		if !ok {
			return ""
		}
		return fixture.ResolvePath(d, profile.Params[route])
	}
}

// persist writes a progress manifest for a live session so drafts survive a
// restart. It always writes the current state, never an older version.
func (s *Service) persist(ctx context.Context, id string) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	cur, err := s.sessions.Snapshot(id)
	if err != nil || cur.State == session.StateResolved || s.persisted[id] >= cur.Version {
		return
	}
	if err := s.artifacts.SaveSession(context.WithoutCancel(ctx), cur); err != nil {
		slog.Warn("session progress not persisted", "session_id", id, "version", cur.Version, "error", err)
		return
	}
	s.persisted[id] = cur.Version
}

// markPersisted must be called with persistMu held.
func (s *Service) markPersisted(sess session.Session) {
	if s.persisted[sess.ID] < sess.Version {
		s.persisted[sess.ID] = sess.Version
	}
}
