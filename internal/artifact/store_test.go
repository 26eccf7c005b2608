package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/session"
	"github.com/dgnsrekt/routeshot/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T) (*Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	st, err := NewStore(mem, 8)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return st, mem
}

func testResult(t *testing.T) capture.Result {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return capture.Result{
		RunID:     "run-1",
		StartedAt: now,
		Artifacts: []capture.Artifact{
			{Route: "/", Viewport: "desktop", Image: pngBytes(t, 640, 400), Status: capture.StatusOK, CapturedAt: now},
			{Route: "/product/:slug", Viewport: "mobile", Image: pngBytes(t, 39, 84), Status: capture.StatusOK, CapturedAt: now},
			{Route: "/broken", Viewport: "desktop", Status: capture.StatusFailed, Error: "navigate: timed out", CapturedAt: now},
		},
	}
}

func TestBlobKey(t *testing.T) {
	tests := []struct {
		key  capture.Key
		want string
	}{
		{capture.Key{Route: "/", Viewport: "desktop"}, "_@desktop"},
		{capture.Key{Route: "/about", Viewport: "mobile"}, "_about@mobile"},
		{capture.Key{Route: "/product/:slug/details", Viewport: "desktop"}, "_product_=slug_details@desktop"},
		{capture.Key{Route: "/docs/*rest", Viewport: "iPad Pro"}, "_docs_+rest@iPad~20Pro"},
		{capture.Key{Route: "/blog_posts", Viewport: "desktop"}, "_blog~5Fposts@desktop"},
		{capture.Key{Route: "/a@b", Viewport: "x"}, "_a~40b@x"},
	}
	for _, tt := range tests {
		if got := BlobKey(tt.key); got != tt.want {
			t.Fatalf("BlobKey(%v) = %q; want %q", tt.key, got, tt.want)
		}
	}
}

func TestSaveRunWritesLayout(t *testing.T) {
	ctx := context.Background()
	st, mem := newTestStore(t)

	m, err := st.SaveRun(ctx, testResult(t), "anonymous", nil)
	if err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	for _, p := range []string{
		"runs/run-1/batch.json",
		"runs/run-1/images/_@desktop.png",
		"runs/run-1/images/_product_=slug@mobile.png",
		"runs/run-1/thumbs/_@desktop.png",
	} {
		if ok, _ := mem.FileExists(ctx, p); !ok {
			t.Fatalf("FileExists(%s) = false; want true", p)
		}
	}
	if ok, _ := mem.FileExists(ctx, "runs/run-1/images/_broken@desktop.png"); ok {
		t.Fatal("failed artifact wrote an image")
	}
	if len(m.OKKeys()) != 2 {
		t.Fatalf("OKKeys() = %v; want 2 keys", m.OKKeys())
	}
	if m.Artifacts[0].Width != 640 || m.Artifacts[0].Height != 400 {
		t.Fatalf("record size = %dx%d; want 640x400", m.Artifacts[0].Width, m.Artifacts[0].Height)
	}

	raw, _ := mem.ReadFile(ctx, "runs/run-1/batch.json")
	if bytes.Contains(raw, []byte("iVBOR")) {
		t.Fatal("batch manifest embeds image data")
	}

	loaded, err := st.LoadRun(ctx, "run-1")
	if err != nil || len(loaded.Artifacts) != 3 {
		t.Fatalf("LoadRun() = %d artifacts, %v; want 3, nil", len(loaded.Artifacts), err)
	}
	thumb, err := st.Thumbnail(ctx, "run-1", capture.Key{Route: "/", Viewport: "desktop"})
	if err != nil {
		t.Fatalf("Thumbnail() error = %v", err)
	}
	if cfg, _ := png.DecodeConfig(bytes.NewReader(thumb)); cfg.Width != 320 {
		t.Fatalf("thumbnail width = %d; want 320", cfg.Width)
	}
}

func TestImageReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	st, mem := newTestStore(t)
	if _, err := st.SaveRun(ctx, testResult(t), "anonymous", nil); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	mem.Fail("read", errors.New("offline"))

	key := capture.Key{Route: "/", Viewport: "desktop"}
	if _, err := st.Image(ctx, "run-1", key); err != nil {
		t.Fatalf("Image() with cached blob error = %v", err)
	}
	if _, err := st.Image(ctx, "run-1", capture.Key{Route: "/nope", Viewport: "desktop"}); err == nil {
		t.Fatal("Image() uncached with failing storage = nil; want error")
	}
	mem.Fail("read", nil)
	if _, err := st.Image(ctx, "run-1", capture.Key{Route: "/nope", Viewport: "desktop"}); !errors.Is(err, session.ErrImageNotFound) {
		t.Fatalf("Image() missing error = %v; want ErrImageNotFound", err)
	}
}

func TestBlobKeyIsOneToOne(t *testing.T) {
	keys := []capture.Key{
		{Route: "/blog/posts", Viewport: "desktop"},
		{Route: "/blog_posts", Viewport: "desktop"},
		{Route: "/blog-posts", Viewport: "desktop"},
		{Route: "/blog~5Fposts", Viewport: "desktop"},
		{Route: "/", Viewport: "iPad Pro"},
		{Route: "/", Viewport: "iPad-Pro"},
		{Route: "/", Viewport: "iPad_Pro"},
		{Route: "/a@b", Viewport: "c"},
		{Route: "/a", Viewport: "b@c"},
		{Route: "/root", Viewport: "desktop"},
		{Route: "/", Viewport: "desktop"},
	}
	seen := make(map[string]capture.Key, len(keys))
	for _, k := range keys {
		blob := BlobKey(k)
		if other, dup := seen[blob]; dup {
			t.Fatalf("BlobKey(%v) = BlobKey(%v) = %q", k, other, blob)
		}
		seen[blob] = k
	}
}

func TestSaveRunKeepsLookalikeKeysApart(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	images := map[capture.Key][]byte{
		{Route: "/blog/posts", Viewport: "desktop"}: pngBytes(t, 2, 2),
		{Route: "/blog_posts", Viewport: "desktop"}: pngBytes(t, 3, 3),
		{Route: "/", Viewport: "iPad Pro"}:          pngBytes(t, 4, 4),
		{Route: "/", Viewport: "iPad-Pro"}:          pngBytes(t, 5, 5),
	}
	res := capture.Result{RunID: "run-2"}
	for k, img := range images {
		res.Artifacts = append(res.Artifacts, capture.Artifact{Route: k.Route, Viewport: k.Viewport, Image: img, Status: capture.StatusOK})
	}
	m, err := st.SaveRun(ctx, res, "p", nil)
	if err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if len(m.OKKeys()) != len(images) {
		t.Fatalf("OKKeys() = %d keys; want %d", len(m.OKKeys()), len(images))
	}

	fresh, err := NewStore(st.fs, 8)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	for k, want := range images {
		got, err := fresh.Image(ctx, "run-2", k)
		if err != nil {
			t.Fatalf("Image(%v) error = %v", k, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Image(%v) returned another key's screenshot", k)
		}
	}
}

func TestSaveRunRecordsRepeatedKeyOnce(t *testing.T) {
	st, _ := newTestStore(t)
	res := capture.Result{
		RunID: "run-3",
		Artifacts: []capture.Artifact{
			{Route: "/", Viewport: "desktop", Status: capture.StatusFailed, Error: "render crashed"},
			{Route: "/", Viewport: "desktop", Image: pngBytes(t, 2, 2), Status: capture.StatusOK},
			{Route: "/", Viewport: "desktop", Status: capture.StatusFailed, Error: "late"},
		},
	}
	m, err := st.SaveRun(context.Background(), res, "p", nil)
	if err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Status != capture.StatusOK {
		t.Fatalf("Artifacts = %+v; want one ok record", m.Artifacts)
	}
}

func TestSessionManifestLifecycle(t *testing.T) {
	ctx := context.Background()
	st, mem := newTestStore(t)
	if _, err := st.SaveRun(ctx, testResult(t), "anonymous", nil); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	sess := session.Session{
		ID:    "sess-1",
		Scope: "shop",
		RunID: "run-1",
		State: session.StatePublished,
		Keys:  []capture.Key{{Route: "/", Viewport: "desktop"}},
		Annotations: []session.Annotation{
			{ID: "a1", Route: "/", Viewport: "desktop", Content: "bigger logo", Priority: session.PriorityHigh, Status: session.StatusPending},
		},
	}

	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	raw, err := mem.ReadFile(ctx, "sessions/sess-1/manifest.json")
	if err != nil {
		t.Fatalf("ReadFile(manifest) error = %v", err)
	}
	var m SessionManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := m.Blobs["/@desktop"]; got != "runs/run-1/images/_@desktop.png" {
		t.Fatalf("Blobs[/@desktop] = %q; want runs/run-1/images/_@desktop.png", got)
	}

	sess.State = session.StateResolved
	if err := st.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("ArchiveSession() error = %v", err)
	}
	if ok, _ := mem.FileExists(ctx, "sessions/sess-1/manifest.json"); ok {
		t.Fatal("live manifest still present after archive")
	}
	loaded, err := st.LoadSession(ctx, "sess-1")
	if err != nil || loaded.Session.State != session.StateResolved {
		t.Fatalf("LoadSession() = %v, %v; want archived resolved session", loaded.Session.State, err)
	}
	all, err := st.ListSessions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListSessions() = %d, %v; want 1, nil", len(all), err)
	}
}

func TestSaveSessionRequiresBlobs(t *testing.T) {
	st, _ := newTestStore(t)
	sess := session.Session{ID: "sess-2", RunID: "run-9", Keys: []capture.Key{{Route: "/", Viewport: "desktop"}}}
	if err := st.SaveSession(context.Background(), sess); !errors.Is(err, session.ErrImageNotFound) {
		t.Fatalf("SaveSession() error = %v; want ErrImageNotFound", err)
	}
}

func TestRejectsUnsafeIDs(t *testing.T) {
	st, _ := newTestStore(t)
	if _, err := st.LoadRun(context.Background(), "../etc"); err == nil {
		t.Fatal("LoadRun(../etc) error = nil; want error")
	}
	if err := st.SaveSession(context.Background(), session.Session{ID: "a/b", RunID: "run-1"}); err == nil {
		t.Fatal("SaveSession(a/b) error = nil; want error")
	}
}
