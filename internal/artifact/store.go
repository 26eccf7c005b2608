// Package artifact persists capture runs and session manifests through a
// storage.FileStorage. Manifests reference image blobs by key and never embed
// them.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/imaging"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

const defaultCacheEntries = 256

var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ArtifactRecord describes one artifact of a run on disk.
type ArtifactRecord struct {
	Route      string         `json:"route"`
	Viewport   string         `json:"viewport"`
	Blob       string         `json:"blob,omitempty"`
	Status     capture.Status `json:"status"`
	Error      string         `json:"error,omitempty"`
	CapturedAt time.Time      `json:"capturedAt"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	SizeBytes  int            `json:"sizeBytes,omitempty"`
}

func (r ArtifactRecord) Key() capture.Key {
	return capture.Key{Route: r.Route, Viewport: r.Viewport}
}

// RunManifest is the batch.json of a capture run.
type RunManifest struct {
	RunID      string             `json:"runId"`
	ProfileID  string             `json:"profileId"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
	Viewports  []capture.Viewport `json:"viewports,omitempty"`
	Artifacts  []ArtifactRecord   `json:"artifacts"`
}

// OKKeys returns the keys of successful artifacts.
func (m RunManifest) OKKeys() []capture.Key {
	var keys []capture.Key
	for _, a := range m.Artifacts {
		if a.Status == capture.StatusOK {
			keys = append(keys, a.Key())
		}
	}
	return keys
}

// SessionManifest is the persisted form of a session.
type SessionManifest struct {
	Session session.Session   `json:"session"`
	Blobs   map[string]string `json:"blobs"`
	SavedAt time.Time         `json:"savedAt"`
}

// Store reads and writes the persisted layout:
//
//	runs/<runID>/batch.json
//	runs/<runID>/images/<blob>.png
//	runs/<runID>/thumbs/<blob>.png
//	sessions/<id>/manifest.json
//	archive/<id>/manifest.json
type Store struct {
	fs             storage.FileStorage
	cache          *lru.Cache[string, []byte]
	thumbnailWidth uint
}

// NewStore wraps fs. cacheEntries bounds the image read cache; zero selects
// a default.
func NewStore(fs storage.FileStorage, cacheEntries int) (*Store, error) {
	if fs == nil {
		return nil, errors.New("artifact store: storage is required")
	}
	if cacheEntries <= 0 {
		cacheEntries = defaultCacheEntries
	}
	cache, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return &Store{fs: fs, cache: cache, thumbnailWidth: imaging.DefaultThumbnailWidth}, nil
}

func validateID(kind, id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("invalid %s id: %q", kind, id)
	}
	return nil
}

// SaveRun writes every successful image, its thumbnail, and then the batch
// manifest. Re-saving a run overwrites artifacts with the same key. Within
// one result a key is recorded once, preferring a successful capture.
func (s *Store) SaveRun(ctx context.Context, res capture.Result, profileID string, viewports []capture.Viewport) (RunManifest, error) {
	if err := validateID("run", res.RunID); err != nil {
		return RunManifest{}, err
	}
	for _, dir := range []string{"images", "thumbs"} {
		if err := s.fs.EnsureDir(ctx, path.Join(runDir(res.RunID), dir)); err != nil {
			return RunManifest{}, fmt.Errorf("artifact store: %w", err)
		}
	}

	m := RunManifest{
		RunID:      res.RunID,
		ProfileID:  profileID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Viewports:  viewports,
	}
	index := make(map[capture.Key]int, len(res.Artifacts))
	for _, a := range res.Artifacts {
		if i, dup := index[a.Key()]; dup {
			if m.Artifacts[i].Status == capture.StatusOK || a.Status != capture.StatusOK {
				slog.Warn("duplicate artifact skipped", "run_id", res.RunID, "key", a.Key().String())
				continue
			}
		}
		rec := ArtifactRecord{
			Route:      a.Route,
			Viewport:   a.Viewport,
			Status:     a.Status,
			Error:      a.Error,
			CapturedAt: a.CapturedAt,
		}
		if a.Status == capture.StatusOK {
			blob := BlobKey(a.Key())
			if err := s.fs.WriteFile(ctx, imagePath(res.RunID, blob), a.Image); err != nil {
				return RunManifest{}, fmt.Errorf("artifact store: write image: %w", err)
			}
			s.cache.Add(imagePath(res.RunID, blob), a.Image)
			rec.Blob = blob
			rec.SizeBytes = len(a.Image)
			if w, h, err := imaging.Size(a.Image); err == nil {
				rec.Width, rec.Height = w, h
			}
			s.writeThumbnail(ctx, res.RunID, blob, a.Image)
		}
		if i, dup := index[a.Key()]; dup {
			m.Artifacts[i] = rec
			continue
		}
		index[a.Key()] = len(m.Artifacts)
		m.Artifacts = append(m.Artifacts, rec)
	}

	if err := s.writeJSON(ctx, batchPath(res.RunID), m); err != nil {
		return RunManifest{}, err
	}
	return m, nil
}

// writeThumbnail is best effort; a missing preview falls back to the image.
func (s *Store) writeThumbnail(ctx context.Context, runID, blob string, image []byte) {
	thumb, err := imaging.Thumbnail(image, s.thumbnailWidth)
	if err != nil {
		slog.Debug("thumbnail skipped", "run_id", runID, "blob", blob, "error", err)
		return
	}
	if err := s.fs.WriteFile(ctx, thumbPath(runID, blob), thumb); err != nil {
		slog.Warn("thumbnail write failed", "run_id", runID, "blob", blob, "error", err)
	}
}

// LoadRun reads a run manifest.
func (s *Store) LoadRun(ctx context.Context, runID string) (RunManifest, error) {
	if err := validateID("run", runID); err != nil {
		return RunManifest{}, err
	}
	var m RunManifest
	if err := s.readJSON(ctx, batchPath(runID), &m); err != nil {
		return RunManifest{}, err
	}
	return m, nil
}

// ListRuns returns run manifests sorted by start time, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunManifest, error) {
	paths, err := s.list(ctx, "runs")
	if err != nil {
		return nil, err
	}
	var out []RunManifest
	for _, p := range paths {
		if path.Base(p) != "batch.json" {
			continue
		}
		var m RunManifest
		if err := s.readJSON(ctx, p, &m); err != nil {
			slog.Warn("skipping unreadable run manifest", "path", p, "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Image returns the screenshot for key. It satisfies session.ImageSource.
func (s *Store) Image(ctx context.Context, runID string, key capture.Key) ([]byte, error) {
	if err := validateID("run", runID); err != nil {
		return nil, err
	}
	return s.readBlob(ctx, imagePath(runID, BlobKey(key)))
}

// Thumbnail returns the preview for key, or the full image when no preview
// was written.
func (s *Store) Thumbnail(ctx context.Context, runID string, key capture.Key) ([]byte, error) {
	if err := validateID("run", runID); err != nil {
		return nil, err
	}
	data, err := s.readBlob(ctx, thumbPath(runID, BlobKey(key)))
	if errors.Is(err, session.ErrImageNotFound) {
		return s.Image(ctx, runID, key)
	}
	return data, err
}

func (s *Store) readBlob(ctx context.Context, p string) ([]byte, error) {
	if data, ok := s.cache.Get(p); ok {
		return data, nil
	}
	data, err := s.fs.ReadFile(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", session.ErrImageNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact store: read image: %w", err)
	}
	s.cache.Add(p, data)
	return data, nil
}

// SaveSession writes the session manifest after checking that every image
// blob it references exists.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	m, err := s.sessionManifest(ctx, sess)
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, sessionPath(sess.ID), m)
}

// ArchiveSession moves a resolved session from sessions/ to archive/.
func (s *Store) ArchiveSession(ctx context.Context, sess session.Session) error {
	m, err := s.sessionManifest(ctx, sess)
	if err != nil {
		return err
	}
	if err := s.writeJSON(ctx, archivePath(sess.ID), m); err != nil {
		return err
	}
	if err := s.fs.Remove(ctx, path.Dir(sessionPath(sess.ID))); err != nil {
		slog.Warn("session manifest cleanup failed", "session_id", sess.ID, "error", err)
	}
	return nil
}

// DiscardArchive removes the archived manifest of id, if any.
func (s *Store) DiscardArchive(ctx context.Context, id string) error {
	if err := validateID("session", id); err != nil {
		return err
	}
	if err := s.fs.Remove(ctx, path.Dir(archivePath(id))); err != nil {
		return fmt.Errorf("artifact store: discard archive: %w", err)
	}
	return nil
}

func (s *Store) sessionManifest(ctx context.Context, sess session.Session) (SessionManifest, error) {
	if err := validateID("session", sess.ID); err != nil {
		return SessionManifest{}, err
	}
	if err := validateID("run", sess.RunID); err != nil {
		return SessionManifest{}, err
	}
	blobs := make(map[string]string, len(sess.Keys))
	for _, k := range sess.Keys {
		p := imagePath(sess.RunID, BlobKey(k))
		ok, err := s.fs.FileExists(ctx, p)
		if err != nil {
			return SessionManifest{}, fmt.Errorf("artifact store: stat blob: %w", err)
		}
		if !ok {
			return SessionManifest{}, fmt.Errorf("artifact store: %w: %s", session.ErrImageNotFound, p)
		}
		blobs[k.String()] = p
	}
	return SessionManifest{Session: sess, Blobs: blobs, SavedAt: time.Now().UTC()}, nil
}

// LoadSession reads a live or archived session manifest.
func (s *Store) LoadSession(ctx context.Context, id string) (SessionManifest, error) {
	if err := validateID("session", id); err != nil {
		return SessionManifest{}, err
	}
	var m SessionManifest
	err := s.readJSON(ctx, sessionPath(id), &m)
	if errors.Is(err, storage.ErrNotFound) {
		err = s.readJSON(ctx, archivePath(id), &m)
	}
	if err != nil {
		return SessionManifest{}, err
	}
	return m, nil
}

// ListSessions returns every persisted session, live and archived.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	for _, prefix := range []string{"sessions", "archive"} {
		paths, err := s.list(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if path.Base(p) != "manifest.json" {
				continue
			}
			var m SessionManifest
			if err := s.readJSON(ctx, p, &m); err != nil {
				slog.Warn("skipping unreadable session manifest", "path", p, "error", err)
				continue
			}
			out = append(out, m.Session)
		}
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	lister, ok := s.fs.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("artifact store: storage backend cannot list %s", prefix)
	}
	paths, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	return paths, nil
}

func (s *Store) writeJSON(ctx context.Context, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact store: marshal %s: %w", p, err)
	}
	if err := s.fs.EnsureDir(ctx, path.Dir(p)); err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	if err := s.fs.WriteFile(ctx, p, data); err != nil {
		return fmt.Errorf("artifact store: write %s: %w", strings.TrimPrefix(p, "/"), err)
	}
	return nil
}

func (s *Store) readJSON(ctx context.Context, p string, v any) error {
	data, err := s.fs.ReadFile(ctx, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("artifact store: unmarshal %s: %w", p, err)
	}
	return nil
}
