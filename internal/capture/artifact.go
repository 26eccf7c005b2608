// Package capture renders every route at every viewport in a headless browser
// and records one screenshot artifact per pair.
package capture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Viewport is a named browser window size.
type Viewport struct {
	Name   string `json:"name" yaml:"name"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Status of a captured artifact.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Key identifies an artifact within a run.
type Key struct {
	Route    string `json:"route"`
	Viewport string `json:"viewport"`
}

func (k Key) String() string { return k.Route + "@" + k.Viewport }

// Artifact is the screenshot result for one route/viewport pair.
type Artifact struct {
	Route      string    `json:"route"`
	Viewport   string    `json:"viewport"`
	Image      []byte    `json:"-"`
	CapturedAt time.Time `json:"capturedAt"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

func (a Artifact) Key() Key { return Key{Route: a.Route, Viewport: a.Viewport} }

// Failure summarizes a failed pair.
type Failure struct {
	Route    string `json:"route"`
	Viewport string `json:"viewport"`
	Error    string `json:"error"`
}

// Result is the outcome of one capture run. Artifacts are sorted by key.
type Result struct {
	RunID      string     `json:"runId"`
	Artifacts  []Artifact `json:"artifacts"`
	Failures   []Failure  `json:"failures"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
}

// OKKeys returns the keys of successful artifacts.
func (r Result) OKKeys() []Key {
	var keys []Key
	for _, a := range r.Artifacts {
		if a.Status == StatusOK {
			keys = append(keys, a.Key())
		}
	}
	return keys
}

// Artifact returns the artifact for k.
func (r Result) Artifact(k Key) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Key() == k {
			return a, true
		}
	}
	return Artifact{}, false
}

// ErrNoArtifacts is returned when a run finished without a single successful
// capture.
var ErrNoArtifacts = errors.New("capture produced no successful artifacts")

// ViewportError reports an unusable viewport list.
type ViewportError struct {
	Name   string
	Reason string
}

func (e *ViewportError) Error() string {
	return fmt.Sprintf("viewport %q: %s", e.Name, e.Reason)
}

// ValidateViewports rejects duplicate names and non-positive sizes.
func ValidateViewports(viewports []Viewport) error {
	seen := make(map[string]bool, len(viewports))
	for _, vp := range viewports {
		name := strings.TrimSpace(vp.Name)
		switch {
		case name == "":
			return &ViewportError{Name: vp.Name, Reason: "missing name"}
		case seen[name]:
			return &ViewportError{Name: name, Reason: "duplicate name"}
		case vp.Width <= 0 || vp.Height <= 0:
			return &ViewportError{Name: name, Reason: fmt.Sprintf("size %dx%d must be positive", vp.Width, vp.Height)}
		}
		seen[name] = true
	}
	return nil
}

func sortArtifacts(list []Artifact) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Route != list[j].Route {
			return list[i].Route < list[j].Route
		}
		return list[i].Viewport < list[j].Viewport
	})
}
