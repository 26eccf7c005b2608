// Package mount builds the configuration the annotate and resolve UIs read
// before they start. The dev-server plugin that mounts those routes only has
// to serve Script at the matching path.
package mount

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgnsrekt/routeshot/internal/session"
)

const (
	AnnotatePath = "/__routeshot/annotate"
	ResolvePath  = "/__routeshot/resolve"
	// ConfigGlobal is the window property Script assigns.
	ConfigGlobal = "__ROUTESHOT_CONFIG__"
)

// Kind names a mount point.
type Kind string

const (
	KindAnnotate Kind = "annotate"
	KindResolve  Kind = "resolve"
)

// Options carries the URLs a mount needs to reach the API and the live app.
type Options struct {
	APIBase     string
	LiveBaseURL string
	// LivePath maps a canonical route to a visitable path. When nil, or when
	// it returns "", parameters are filled with their own names.
	LivePath func(route string) string
}

// Screenshot points the UI at one captured image.
type Screenshot struct {
	Route    string `json:"route"`
	Viewport string `json:"viewport"`
	ImageURL string `json:"imageUrl"`
	ThumbURL string `json:"thumbUrl"`
	LiveURL  string `json:"liveUrl,omitempty"`
}

// Config is the JSON object injected before the UI executes.
type Config struct {
	Mount       Kind                 `json:"mount"`
	Path        string               `json:"path"`
	SessionID   string               `json:"sessionId"`
	Scope       string               `json:"scope"`
	RunID       string               `json:"runId"`
	State       session.State        `json:"state"`
	Version     int64                `json:"version"`
	ReadOnly    bool                 `json:"readOnly"`
	APIBase     string               `json:"apiBase"`
	EventsURL   string               `json:"eventsUrl"`
	Screenshots []Screenshot         `json:"screenshots"`
	Annotations []session.Annotation `json:"annotations"`
	Outstanding int                  `json:"outstanding"`
	Priorities  []session.Priority   `json:"priorities,omitempty"`
	Statuses    []session.Status     `json:"statuses,omitempty"`
}

// Annotate is the client-facing mount. It accepts submissions only while the
// session is open.
func Annotate(s session.Session, opts Options) Config {
	cfg := base(KindAnnotate, AnnotatePath, s, opts)
	cfg.ReadOnly = s.State != session.StateOpen
	cfg.Priorities = []session.Priority{session.PriorityLow, session.PriorityMedium, session.PriorityHigh}
	return cfg
}

// Resolve is the developer-facing mount. Screenshots link to the live route.
func Resolve(s session.Session, opts Options) Config {
	cfg := base(KindResolve, ResolvePath, s, opts)
	cfg.ReadOnly = s.State == session.StateResolved || s.State == session.StateOpen
	cfg.Statuses = []session.Status{session.StatusPending, session.StatusInProgress, session.StatusResolved}
	live := strings.TrimRight(opts.LiveBaseURL, "/")
	if live != "" {
		for i := range cfg.Screenshots {
			route := cfg.Screenshots[i].Route
			p := ""
			if opts.LivePath != nil {
				p = opts.LivePath(route)
			}
			if p == "" {
				p = placeholderPath(route)
			}
			cfg.Screenshots[i].LiveURL = live + p
		}
	}
	return cfg
}

// placeholderPath replaces ":name" and "*name" segments of a canonical path
// with the parameter name.
func placeholderPath(route string) string {
	parts := strings.Split(strings.Trim(route, "/"), "/")
	for i, p := range parts {
		switch {
		case strings.HasPrefix(p, ":"):
			p = p[1:]
		case strings.HasPrefix(p, "*"):
			p = p[1:]
			if p == "" {
				p = "splat"
			}
		}
		parts[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(parts, "/")
}

func base(kind Kind, path string, s session.Session, opts Options) Config {
	api := strings.TrimRight(opts.APIBase, "/")
	cfg := Config{
		Mount:       kind,
		Path:        path,
		SessionID:   s.ID,
		Scope:       s.Scope,
		RunID:       s.RunID,
		State:       s.State,
		Version:     s.Version,
		APIBase:     api,
		EventsURL:   api + "/api/v1/events?session=" + url.QueryEscape(s.ID),
		Screenshots: make([]Screenshot, 0, len(s.Keys)),
		Annotations: append([]session.Annotation{}, s.Annotations...),
		Outstanding: s.Outstanding(),
	}
	for _, k := range s.Keys {
		q := "route=" + url.QueryEscape(k.Route) + "&viewport=" + url.QueryEscape(k.Viewport)
		imgBase := fmt.Sprintf("%s/api/v1/runs/%s/image?%s", api, url.PathEscape(s.RunID), q)
		cfg.Screenshots = append(cfg.Screenshots, Screenshot{
			Route:    k.Route,
			Viewport: k.Viewport,
			ImageURL: imgBase,
			ThumbURL: imgBase + "&thumb=true",
		})
	}
	return cfg
}

// Script renders cfg as an early-execution script tag assigning
// window.__ROUTESHOT_CONFIG__. The JSON is HTML-escaped so it cannot close
// the tag.
func Script(cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("mount config: %w", err)
	}
	return fmt.Sprintf("<script>window.%s = Object.freeze(%s);</script>", ConfigGlobal, data), nil
}
