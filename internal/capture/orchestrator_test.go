package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/routeshot/internal/browser"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/routes"
)

type fakeLauncher struct {
	browser *fakeBrowser
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (browser.Browser, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

type fakeBrowser struct {
	// gotoFn decides the outcome of navigating to url.
	gotoFn func(ctx context.Context, url string) error

	open      atomic.Int32
	maxOpen   atomic.Int32
	created   atomic.Int32
	closed    atomic.Bool
	mu        sync.Mutex
	scripts   []string
	visited   []string
	viewports []string
}

func (b *fakeBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := b.open.Add(1)
	b.created.Add(1)
	for {
		cur := b.maxOpen.Load()
		if n <= cur || b.maxOpen.CompareAndSwap(cur, n) {
			break
		}
	}
	return &fakePage{b: b}, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakePage struct {
	b      *fakeBrowser
	url    string
	closed bool
}

func (p *fakePage) SetViewport(_ context.Context, w, h int) error {
	p.b.mu.Lock()
	p.b.viewports = append(p.b.viewports, fmt.Sprintf("%dx%d", w, h))
	p.b.mu.Unlock()
	return nil
}

func (p *fakePage) AddInitScript(_ context.Context, script string) error {
	p.b.mu.Lock()
	p.b.scripts = append(p.b.scripts, script)
	p.b.mu.Unlock()
	return nil
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.url = url
	p.b.mu.Lock()
	p.b.visited = append(p.b.visited, url)
	p.b.mu.Unlock()
	if p.b.gotoFn != nil {
		return p.b.gotoFn(ctx, url)
	}
	return nil
}

func (p *fakePage) WaitStable(context.Context) error { return nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	return []byte("png:" + p.url), nil
}

func (p *fakePage) Close() error {
	if !p.closed {
		p.closed = true
		p.b.open.Add(-1)
	}
	return nil
}

func testRoutes(t *testing.T, paths ...string) []routes.Descriptor {
	t.Helper()
	var table []routes.TableEntry
	for _, p := range paths {
		table = append(table, routes.TableEntry{Path: p})
	}
	got, err := routes.Build(routes.Source{Convention: routes.ConventionRouteTable, Table: table})
	if err != nil {
		t.Fatalf("routes.Build() error = %v", err)
	}
	return got
}

var testViewports = []Viewport{
	{Name: "desktop", Width: 1280, Height: 800},
	{Name: "mobile", Width: 390, Height: 844},
}

func TestRunProducesOneArtifactPerPairEvenWithFailures(t *testing.T) {
	fb := &fakeBrowser{gotoFn: func(_ context.Context, url string) error {
		if strings.HasSuffix(url, "/broken") {
			return errors.New("net::ERR_CONNECTION_REFUSED")
		}
		return nil
	}}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, BaseURL: "http://localhost:3000/", Workers: 3}
	rts := testRoutes(t, "/", "/about", "/broken")

	res, err := o.Run(context.Background(), rts, testViewports, fixture.Anonymous())
	if err != nil {
		t.Fatalf("Run() error = %v; want nil", err)
	}
	if got, want := len(res.Artifacts), len(rts)*len(testViewports); got != want {
		t.Fatalf("len(Artifacts) = %d; want %d", got, want)
	}
	seen := make(map[Key]bool)
	for _, a := range res.Artifacts {
		if seen[a.Key()] {
			t.Fatalf("duplicate artifact key %v", a.Key())
		}
		seen[a.Key()] = true
		if a.Route == "/broken" {
			if a.Status != StatusFailed || !strings.Contains(a.Error, "navigate") {
				t.Fatalf("artifact %v = %s %q; want failed navigate error", a.Key(), a.Status, a.Error)
			}
			continue
		}
		if a.Status != StatusOK || len(a.Image) == 0 {
			t.Fatalf("artifact %v status = %s; want ok with image", a.Key(), a.Status)
		}
	}
	if len(res.Failures) != 2 {
		t.Fatalf("len(Failures) = %d; want 2", len(res.Failures))
	}
	if fb.open.Load() != 0 {
		t.Fatalf("open pages after Run = %d; want 0", fb.open.Load())
	}
	if !fb.closed.Load() {
		t.Fatal("browser not closed after Run")
	}
	if res.RunID == "" {
		t.Fatal("RunID is empty")
	}
}

func TestRunCapturesRepeatedRoutesOnce(t *testing.T) {
	fb := &fakeBrowser{}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, Workers: 2}
	rts := testRoutes(t, "/", "/about")
	rts = append(rts, rts[0], rts[1], rts[0])

	res, err := o.Run(context.Background(), rts, testViewports, fixture.Anonymous())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got, want := len(res.Artifacts), 2*len(testViewports); got != want {
		t.Fatalf("len(Artifacts) = %d; want %d", got, want)
	}
	seen := make(map[Key]bool)
	for _, a := range res.Artifacts {
		if seen[a.Key()] {
			t.Fatalf("duplicate artifact key %v", a.Key())
		}
		seen[a.Key()] = true
	}
	if got := int(fb.created.Load()); got != 2*len(testViewports) {
		t.Fatalf("pages created = %d; want %d", got, 2*len(testViewports))
	}
}

func TestRunNavigatesToResolvedURLWithFixtureScript(t *testing.T) {
	fb := &fakeBrowser{}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, BaseURL: "http://app.test"}
	rts := testRoutes(t, "/product/:slug")
	profile := fixture.Profile{
		ID:     "shopper",
		Params: map[string]map[string]string{"/product/:slug": {"slug": "blue-shoe"}},
	}

	if _, err := o.Run(context.Background(), rts, testViewports[:1], profile); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(fb.visited) != 1 || fb.visited[0] != "http://app.test/product/blue-shoe" {
		t.Fatalf("visited = %v; want [http://app.test/product/blue-shoe]", fb.visited)
	}
	if len(fb.scripts) != 1 || !strings.Contains(fb.scripts[0], fixture.GlobalName) {
		t.Fatalf("init scripts = %v; want fixture script", fb.scripts)
	}
	if len(fb.viewports) != 1 || fb.viewports[0] != "1280x800" {
		t.Fatalf("viewports = %v; want [1280x800]", fb.viewports)
	}
}

func TestRunCancellationLeavesUnfinishedPairsAbsent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fb := &fakeBrowser{gotoFn: func(ctx context.Context, url string) error {
		if strings.HasSuffix(url, "/slow") {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, Workers: 1}
	rts := testRoutes(t, "/fast", "/slow", "/zzz")

	res, err := o.Run(ctx, rts, testViewports[:1], fixture.Anonymous())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v; want context.Canceled", err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Route != "/fast" {
		t.Fatalf("Artifacts = %+v; want only /fast", res.Artifacts)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("Failures = %+v; want none", res.Failures)
	}
	if fb.open.Load() != 0 {
		t.Fatalf("open pages after cancel = %d; want 0", fb.open.Load())
	}
	if !fb.closed.Load() {
		t.Fatal("browser not closed after cancel")
	}
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	fb := &fakeBrowser{gotoFn: func(context.Context, string) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, Workers: 2}
	rts := testRoutes(t, "/a", "/b", "/c", "/d", "/e")

	res, err := o.Run(context.Background(), rts, testViewports, fixture.Anonymous())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Artifacts) != 10 {
		t.Fatalf("len(Artifacts) = %d; want 10", len(res.Artifacts))
	}
	if peak := fb.maxOpen.Load(); peak > 2 {
		t.Fatalf("max concurrent pages = %d; want <= 2", peak)
	}
}

func TestRunPageTimeoutIsAFailure(t *testing.T) {
	fb := &fakeBrowser{gotoFn: func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, PageTimeout: 20 * time.Millisecond}

	res, err := o.Run(context.Background(), testRoutes(t, "/hang"), testViewports[:1], fixture.Anonymous())
	if !errors.Is(err, ErrNoArtifacts) {
		t.Fatalf("Run() error = %v; want ErrNoArtifacts", err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Status != StatusFailed {
		t.Fatalf("Artifacts = %+v; want one failed artifact", res.Artifacts)
	}
	if !strings.Contains(res.Artifacts[0].Error, "timed out") {
		t.Fatalf("Error = %q; want timeout", res.Artifacts[0].Error)
	}
}

func TestRunRejectsBadViewportsBeforeLaunching(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("must not launch")}
	o := &Orchestrator{Launcher: launcher}
	tests := [][]Viewport{
		{{Name: "a", Width: 10, Height: 10}, {Name: "a", Width: 20, Height: 20}},
		{{Name: "zero", Width: 0, Height: 10}},
		{{Name: "", Width: 10, Height: 10}},
	}
	for _, vps := range tests {
		_, err := o.Run(context.Background(), testRoutes(t, "/"), vps, fixture.Anonymous())
		var vErr *ViewportError
		if !errors.As(err, &vErr) {
			t.Fatalf("Run(%v) error = %v; want *ViewportError", vps, err)
		}
	}
}

func TestRunRejectsNonSerializableProfile(t *testing.T) {
	o := &Orchestrator{Launcher: &fakeLauncher{err: errors.New("must not launch")}}
	profile := fixture.Profile{ID: "bad", GlobalState: map[string]any{"fn": func() {}}}

	_, err := o.Run(context.Background(), testRoutes(t, "/"), testViewports, profile)
	var nsErr *fixture.NonSerializableFixtureError
	if !errors.As(err, &nsErr) || nsErr.Path != "globalState.fn" {
		t.Fatalf("Run() error = %v; want NonSerializableFixtureError at globalState.fn", err)
	}
}

func TestRunProfileIsSnapshotted(t *testing.T) {
	fb := &fakeBrowser{}
	o := &Orchestrator{Launcher: &fakeLauncher{browser: fb}, Workers: 1}
	profile := fixture.Profile{ID: "p", GlobalState: map[string]any{"theme": "light"}}

	fb.gotoFn = func(context.Context, string) error {
		profile.GlobalState["theme"] = "dark"
		return nil
	}
	if _, err := o.Run(context.Background(), testRoutes(t, "/a", "/b"), testViewports[:1], profile); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, s := range fb.scripts {
		if strings.Contains(s, "dark") {
			t.Fatalf("script observed mutation after run start: %s", s)
		}
	}
}

func TestRunLogsOneLinePerPair(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(oldLogger) })

	o := &Orchestrator{Launcher: &fakeLauncher{browser: &fakeBrowser{}}}
	if _, err := o.Run(context.Background(), testRoutes(t, "/", "/about"), testViewports, fixture.Anonymous()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Count(buf.String(), `msg="capture pair"`); got != 4 {
		t.Fatalf("capture pair log lines = %d; want 4\n%s", got, buf.String())
	}
	if !strings.Contains(buf.String(), "duration_ms=") {
		t.Fatalf("expected duration_ms attribute, got %q", buf.String())
	}
}

func TestRunEmptyProductHasNoArtifacts(t *testing.T) {
	o := &Orchestrator{Launcher: &fakeLauncher{browser: &fakeBrowser{}}}
	res, err := o.Run(context.Background(), nil, testViewports, fixture.Anonymous())
	if !errors.Is(err, ErrNoArtifacts) {
		t.Fatalf("Run() error = %v; want ErrNoArtifacts", err)
	}
	if len(res.Artifacts) != 0 {
		t.Fatalf("len(Artifacts) = %d; want 0", len(res.Artifacts))
	}
}
