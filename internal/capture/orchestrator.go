package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/routeshot/internal/browser"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/routes"
)

const (
	DefaultWorkers      = 4
	DefaultPageTimeout  = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// Orchestrator drives capture runs. The zero value of each tuning field
// selects its default.
type Orchestrator struct {
	Launcher     browser.Launcher
	BaseURL      string
	Workers      int
	PageTimeout  time.Duration
	CloseTimeout time.Duration
	SettleDelay  time.Duration
}

func (o *Orchestrator) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return DefaultWorkers
}

func (o *Orchestrator) pageTimeout() time.Duration {
	if o.PageTimeout > 0 {
		return o.PageTimeout
	}
	return DefaultPageTimeout
}

func (o *Orchestrator) closeTimeout() time.Duration {
	if o.CloseTimeout > 0 {
		return o.CloseTimeout
	}
	return DefaultCloseTimeout
}

type pair struct {
	route    routes.Descriptor
	viewport Viewport
	payload  fixture.Payload
	injErr   error
}

// Run captures every route at every viewport under profile.
//
// A pair that fails yields a failed artifact; the others continue. When ctx
// is cancelled the pairs that had not finished are left out of the result
// and Run returns the partial result with ctx.Err(). ErrNoArtifacts is
// returned alongside the result when nothing was captured successfully.
func (o *Orchestrator) Run(ctx context.Context, rts []routes.Descriptor, viewports []Viewport, profile fixture.Profile) (Result, error) {
	if o.Launcher == nil {
		return Result{}, errors.New("capture: no browser launcher configured")
	}
	if err := ValidateViewports(viewports); err != nil {
		return Result{}, err
	}
	if err := fixture.Validate(profile); err != nil {
		return Result{}, err
	}
	profile = profile.Clone()
	rts = uniqueRoutes(rts)

	res := Result{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	pairs := make([]pair, 0, len(rts)*len(viewports))
	for _, rt := range rts {
		payload, injErr := fixture.Inject(rt, profile)
		for _, vp := range viewports {
			pairs = append(pairs, pair{route: rt, viewport: vp, payload: payload, injErr: injErr})
		}
	}
	if len(pairs) == 0 {
		res.FinishedAt = time.Now().UTC()
		return res, ErrNoArtifacts
	}

	b, err := o.Launcher.Launch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("capture: launch browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("browser close failed", "run_id", res.RunID, "error", err)
		}
	}()

	slog.Info("capture run started", "run_id", res.RunID, "routes", len(rts), "viewports", len(viewports), "profile", profile.ID, "workers", o.workers())

	var (
		mu        sync.Mutex
		artifacts []Artifact
	)
	g := new(errgroup.Group)
	g.SetLimit(o.workers())
	for _, p := range pairs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			art, ok := o.capturePair(ctx, b, p)
			if !ok {
				return nil
			}
			mu.Lock()
			artifacts = append(artifacts, art)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sortArtifacts(artifacts)
	res.Artifacts = artifacts
	for _, a := range artifacts {
		if a.Status == StatusFailed {
			res.Failures = append(res.Failures, Failure{Route: a.Route, Viewport: a.Viewport, Error: a.Error})
		}
	}
	res.FinishedAt = time.Now().UTC()

	slog.Info("capture run finished",
		"run_id", res.RunID,
		"artifacts", len(res.Artifacts),
		"failed", len(res.Failures),
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(res.OKKeys()) == 0 {
		return res, ErrNoArtifacts
	}
	return res, nil
}

// capturePair renders one pair in its own page. ok is false when the run was
// cancelled before the pair finished.
func (o *Orchestrator) capturePair(ctx context.Context, b browser.Browser, p pair) (Artifact, bool) {
	start := time.Now()
	art := Artifact{Route: p.route.Path, Viewport: p.viewport.Name}

	image, err := o.render(ctx, b, p)
	if err != nil && ctx.Err() != nil {
		slog.Debug("capture pair abandoned", "route", art.Route, "viewport", art.Viewport)
		return Artifact{}, false
	}

	art.CapturedAt = time.Now().UTC()
	if err != nil {
		art.Status = StatusFailed
		art.Error = truncateMessage(err.Error(), maxErrorBytes)
	} else {
		art.Status = StatusOK
		art.Image = image
	}

	attrs := []any{
		"route", art.Route,
		"viewport", art.Viewport,
		"status", string(art.Status),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		slog.Warn("capture pair", append(attrs, "error", art.Error)...)
	} else {
		slog.Info("capture pair", attrs...)
	}
	return art, true
}

func (o *Orchestrator) render(ctx context.Context, b browser.Browser, p pair) ([]byte, error) {
	if p.injErr != nil {
		return nil, fmt.Errorf("inject fixture: %w", p.injErr)
	}

	pairCtx, cancel := context.WithTimeout(ctx, o.pageTimeout())
	defer cancel()

	page, err := b.NewPage(pairCtx)
	if err != nil {
		return nil, stageError("open page", pairCtx, err)
	}
	defer o.closePage(page, p)

	if err := page.SetViewport(pairCtx, p.viewport.Width, p.viewport.Height); err != nil {
		return nil, stageError("set viewport", pairCtx, err)
	}
	if err := page.AddInitScript(pairCtx, p.payload.Script); err != nil {
		return nil, stageError("inject fixture", pairCtx, err)
	}
	if err := page.Goto(pairCtx, joinURL(o.BaseURL, p.payload.URLPath)); err != nil {
		return nil, stageError("navigate", pairCtx, err)
	}
	if err := page.WaitStable(pairCtx); err != nil {
		return nil, stageError("wait for render", pairCtx, err)
	}
	if o.SettleDelay > 0 {
		select {
		case <-time.After(o.SettleDelay):
		case <-pairCtx.Done():
			return nil, stageError("settle", pairCtx, pairCtx.Err())
		}
	}
	image, err := page.Screenshot(pairCtx)
	if err != nil {
		return nil, stageError("screenshot", pairCtx, err)
	}
	if len(image) == 0 {
		return nil, errors.New("screenshot: empty image")
	}
	return image, nil
}

// closePage releases the page, giving up after CloseTimeout.
func (o *Orchestrator) closePage(page browser.Page, p pair) {
	done := make(chan error, 1)
	go func() { done <- page.Close() }()

	timer := time.NewTimer(o.closeTimeout())
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("page close failed", "route", p.route.Path, "viewport", p.viewport.Name, "error", err)
		}
	case <-timer.C:
		slog.Warn("page close timed out", "route", p.route.Path, "viewport", p.viewport.Name, "timeout", o.closeTimeout())
	}
}

func stageError(stage string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: timed out: %w", stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// uniqueRoutes drops repeated paths, keeping the first descriptor of each.
func uniqueRoutes(rts []routes.Descriptor) []routes.Descriptor {
	seen := make(map[string]bool, len(rts))
	out := make([]routes.Descriptor, 0, len(rts))
	for _, rt := range rts {
		if seen[rt.Path] {
			continue
		}
		seen[rt.Path] = true
		out = append(out, rt)
	}
	return out
}
