// Package notify tells the developer, through an ntfy-style endpoint, that a
// client published feedback or that a session was resolved.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/routeshot/internal/session"
)

const sendTimeout = 10 * time.Second

// Send posts message to endpoint as plain text.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Notifier is a session.Observer that posts handoff messages. Sends run in
// the background so the store is never held up by the network.
type Notifier struct {
	Endpoint string
	Client   *http.Client
	// ReviewURL, when set, is appended to messages as a link base.
	ReviewURL string

	wg sync.WaitGroup
}

// Message returns the text sent for c, or "" when c is not a handoff.
func Message(c session.Change, reviewURL string) string {
	s := c.Session
	var msg string
	switch c.Kind {
	case session.ChangePublished:
		msg = fmt.Sprintf("Feedback published for %s: %d annotation(s) on %d screenshot(s).", s.Scope, len(s.Annotations), len(s.Keys))
	case session.ChangeResolved:
		msg = fmt.Sprintf("Session for %s resolved: %d annotation(s) addressed.", s.Scope, len(s.Annotations))
	default:
		return ""
	}
	if reviewURL != "" {
		msg += " " + strings.TrimRight(reviewURL, "/") + "/api/v1/sessions/" + s.ID
	}
	return msg
}

func (n *Notifier) SessionChanged(c session.Change) {
	msg := Message(c, n.ReviewURL)
	if msg == "" || n.Endpoint == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := Send(ctx, n.Client, n.Endpoint, msg); err != nil {
			slog.Warn("handoff notification failed", "session_id", c.Session.ID, "kind", c.Kind, "error", err)
			return
		}
		slog.Debug("handoff notification sent", "session_id", c.Session.ID, "kind", c.Kind)
	}()
}

// Wait blocks until in-flight sends finish.
func (n *Notifier) Wait() { n.wg.Wait() }
