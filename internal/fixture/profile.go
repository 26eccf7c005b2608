// Package fixture turns a synthetic fixture profile into the state payload a
// captured page reads before application code mounts.
package fixture

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auth is the synthetic authentication state of a profile.
type Auth struct {
	Authenticated bool           `json:"authenticated" yaml:"authenticated"`
	User          map[string]any `json:"user,omitempty" yaml:"user,omitempty"`
	Permissions   []string       `json:"permissions" yaml:"permissions"`
}

// Profile is a named bundle of synthetic state used to render routes.
type Profile struct {
	ID           string                       `json:"id" yaml:"id"`
	Auth         Auth                         `json:"authState" yaml:"auth"`
	GlobalState  map[string]any               `json:"globalState" yaml:"global_state"`
	FeatureFlags map[string]bool              `json:"featureFlags" yaml:"feature_flags"`
	Params       map[string]map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Clone returns a deep copy so a run is unaffected by later edits to p.
// The state must be acyclic; call Validate first.
func (p Profile) Clone() Profile {
	out := Profile{
		ID:           p.ID,
		Auth:         Auth{Authenticated: p.Auth.Authenticated, User: cloneMap(p.Auth.User)},
		GlobalState:  cloneMap(p.GlobalState),
		FeatureFlags: make(map[string]bool, len(p.FeatureFlags)),
	}
	out.Auth.Permissions = normalizePermissions(p.Auth.Permissions)
	for k, v := range p.FeatureFlags {
		out.FeatureFlags[k] = v
	}
	if p.Params != nil {
		out.Params = make(map[string]map[string]string, len(p.Params))
		for route, vals := range p.Params {
			cp := make(map[string]string, len(vals))
			for k, v := range vals {
				cp[k] = v
			}
			out.Params[route] = cp
		}
	}
	return out
}

// normalizePermissions gives the permission list set semantics.
func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Anonymous is the profile used when none is named.
func Anonymous() Profile {
	return Profile{ID: "anonymous", GlobalState: map[string]any{}, FeatureFlags: map[string]bool{}}
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads a YAML file with a top-level "profiles" list.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fixture profiles: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("fixture profiles: %w", err)
	}
	return IndexProfiles(pf.Profiles)
}

// IndexProfiles keys profiles by id, rejecting empty and repeated ids.
func IndexProfiles(list []Profile) (map[string]Profile, error) {
	out := make(map[string]Profile, len(list))
	for i, p := range list {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("fixture profiles: profiles[%d] missing id", i)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("fixture profiles: duplicate profile id %q", id)
		}
		p.ID = id
		out[id] = p.Clone()
	}
	return out, nil
}

// stateDocument is the page-visible state object.
func (p Profile) stateDocument() map[string]any {
	flags := make(map[string]any, len(p.FeatureFlags))
	for k, v := range p.FeatureFlags {
		flags[k] = v
	}
	perms := make([]any, 0, len(p.Auth.Permissions))
	for _, perm := range normalizePermissions(p.Auth.Permissions) {
		perms = append(perms, perm)
	}
	auth := map[string]any{
		"authenticated": p.Auth.Authenticated,
		"permissions":   perms,
	}
	if p.Auth.User != nil {
		auth["user"] = p.Auth.User
	}
	global := p.GlobalState
	if global == nil {
		global = map[string]any{}
	}
	return map[string]any{
		"profile":      p.ID,
		"authState":    auth,
		"globalState":  global,
		"featureFlags": flags,
	}
}
