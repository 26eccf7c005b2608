package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type rodLauncher struct {
	cfg Config
}

func (l *rodLauncher) Launch(ctx context.Context) (Browser, error) {
	var (
		controlURL string
		proc       *launcher.Launcher
		err        error
	)
	if l.cfg.CDPURL != "" {
		controlURL, err = launcher.ResolveURL(l.cfg.CDPURL)
		if err != nil {
			return nil, fmt.Errorf("resolve CDP url: %w", err)
		}
		slog.Info("connecting to browser", "driver", DriverRod, "cdp_url", l.cfg.CDPURL)
	} else {
		proc = launcher.New().Context(ctx).Headless(l.cfg.Headless).Set("hide-scrollbars")
		execPath := l.cfg.ExecPath
		if execPath == "" {
			if detected, derr := detectBrowser(); derr == nil {
				execPath = detected
			}
		}
		if execPath != "" {
			proc = proc.Bin(execPath)
		}
		slog.Info("launching browser", "driver", DriverRod, "path", execPath, "headless", l.cfg.Headless)
		controlURL, err = proc.Launch()
		if err != nil {
			return nil, fmt.Errorf("start browser: %w", err)
		}
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		if proc != nil {
			proc.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// Detach from the launch context so the browser outlives it.
	return &rodBrowser{cfg: l.cfg, browser: b.Context(context.Background()), proc: proc}, nil
}

type rodBrowser struct {
	cfg       Config
	browser   *rod.Browser
	proc      *launcher.Launcher
	closeOnce sync.Once
	closeErr  error
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("open browser context: %w", err)
	}
	pg, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	p := &rodPage{browser: b, incognito: incognito, page: pg.Context(context.Background())}
	if err := (proto.RuntimeEnable{}).Call(p.page); err != nil {
		slog.Debug("runtime enable failed", "error", err)
	}
	go p.page.EachEvent(func(e *proto.RuntimeExceptionThrown) {
		p.recordException(e)
	})()
	return p, nil
}

func (b *rodBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.browser.Close()
		if b.proc != nil {
			b.proc.Cleanup()
		}
	})
	return b.closeErr
}

type rodPage struct {
	browser   *rodBrowser
	incognito *rod.Browser
	page      *rod.Page

	mu        sync.Mutex
	pageError string
	closed    bool
}

func (p *rodPage) recordException(e *proto.RuntimeExceptionThrown) {
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

func (p *rodPage) SetViewport(ctx context.Context, width, height int) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}

func (p *rodPage) AddInitScript(ctx context.Context, script string) error {
	_, err := p.page.Context(ctx).EvalOnNewDocument(script)
	return err
}

func (p *rodPage) Goto(ctx context.Context, url string) error {
	pg := p.page.Context(ctx)
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) WaitStable(ctx context.Context) error {
	pg := p.page.Context(ctx)
	if err := pg.WaitLoad(); err != nil {
		return err
	}
	if _, err := pg.Evaluate(rod.Eval(stableScript).ByPromise()); err != nil {
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

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(p.browser.cfg.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close closes the tab and disposes its incognito context.
func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return errors.Join(p.page.Close(), p.incognito.Close())
}
