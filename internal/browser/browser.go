// Package browser is the headless-browser collaborator used by capture runs.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Launcher starts a browser.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser hands out isolated pages. Each page has its own browser context,
// so cookies and storage never leak between pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one isolated tab.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	AddInitScript(ctx context.Context, script string) error
	Goto(ctx context.Context, url string) error
	WaitStable(ctx context.Context) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
)

// Config holds browser launch configuration.
type Config struct {
	Driver string
	// ExecPath overrides browser detection.
	ExecPath string
	// CDPURL attaches to an already running browser instead of launching one.
	CDPURL          string
	Headless        bool
	FullPage        bool
	FailOnPageError bool
}

// NewLauncher returns the launcher for cfg.Driver.
func NewLauncher(cfg Config) (Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverChromedp:
		return &chromedpLauncher{cfg: cfg}, nil
	case DriverRod:
		return &rodLauncher{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q (want %q or %q)", cfg.Driver, DriverChromedp, DriverRod)
	}
}

// stableScript resolves once fonts are loaded and two animation frames have
// been painted.
const stableScript = `async () => {
  if (document.fonts && document.fonts.ready) { await document.fonts.ready; }
  await new Promise((resolve) => requestAnimationFrame(() => requestAnimationFrame(resolve)));
  return document.readyState;
}`

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %s)", strings.Join(candidates, ", "))
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func waitForCDP(ctx context.Context, cdpURL string, timeout time.Duration) error {
	url := strings.TrimSuffix(cdpURL, "/") + "/json/version"
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", timeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
