package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

type chromedpLauncher struct {
	cfg Config
}

func (l *chromedpLauncher) Launch(ctx context.Context) (Browser, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.cfg.CDPURL != "" {
		if strings.HasPrefix(l.cfg.CDPURL, "http") {
			if err := waitForCDP(ctx, l.cfg.CDPURL, 15*time.Second); err != nil {
				return nil, err
			}
		}
		slog.Info("connecting to browser", "driver", DriverChromedp, "cdp_url", l.cfg.CDPURL)
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.cfg.CDPURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.cfg.Headless),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-breakpad", true),
			chromedp.Flag("disable-crash-reporter", true),
		)
		execPath := l.cfg.ExecPath
		if execPath == "" {
			if detected, err := detectBrowser(); err == nil {
				execPath = detected
			} else {
				slog.Debug("browser detection failed, using chromedp defaults", "error", err)
			}
		}
		if execPath != "" {
			opts = append(opts, chromedp.ExecPath(execPath))
		}
		slog.Info("launching browser", "driver", DriverChromedp, "path", execPath, "headless", l.cfg.Headless)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b := &chromedpBrowser{cfg: l.cfg, ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel}
	if err := startTarget(ctx, browserCtx, browserCancel); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return b, nil
}

// startTarget performs the first Run on target itself, because chromedp ties
// the browser or tab lifetime to the context of that first Run. Cancelling
// ctx while it is pending cancels the target.
func startTarget(ctx, target context.Context, cancel context.CancelFunc) error {
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(target); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

type chromedpBrowser struct {
	cfg         Config
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

// run executes actions in target while honouring cancellation of ctx.
func (b *chromedpBrowser) run(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *chromedpBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	p := &chromedpPage{browser: b, ctx: tabCtx, cancel: tabCancel}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*cdpruntime.EventExceptionThrown); ok {
			p.recordException(e)
		}
	})
	if err := startTarget(ctx, tabCtx, tabCancel); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open page: %w", err)
	}
	return p, nil
}

func (b *chromedpBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.allocCancel()
	})
	return nil
}

type chromedpPage struct {
	browser *chromedpBrowser
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	pageError string
	closed    bool
}

func (p *chromedpPage) recordException(e *cdpruntime.EventExceptionThrown) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pageError != "" || e.ExceptionDetails == nil {
		return
	}
	msg := e.ExceptionDetails.Text
	if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
		msg = e.ExceptionDetails.Exception.Description
	}
	p.pageError = msg
}

func (p *chromedpPage) SetViewport(ctx context.Context, width, height int) error {
	return p.browser.run(ctx, p.ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *chromedpPage) AddInitScript(ctx context.Context, script string) error {
	return p.browser.run(ctx, p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (p *chromedpPage) Goto(ctx context.Context, url string) error {
	return p.browser.run(ctx, p.ctx, chromedp.Navigate(url))
}

func (p *chromedpPage) WaitStable(ctx context.Context) error {
	var state string
	err := p.browser.run(ctx, p.ctx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate("("+stableScript+")()", &state, func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return err
	}
	if p.browser.cfg.FailOnPageError {
		p.mu.Lock()
		pageErr := p.pageError
		p.mu.Unlock()
		if pageErr != "" {
			return fmt.Errorf("page error: %s", pageErr)
		}
	}
	return nil
}

func (p *chromedpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if p.browser.cfg.FullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := p.browser.run(ctx, p.ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the tab and disposes its browser context.
func (p *chromedpPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}
