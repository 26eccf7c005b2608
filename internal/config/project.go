package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/routeshot/internal/capture"
	"github.com/dgnsrekt/routeshot/internal/fixture"
	"github.com/dgnsrekt/routeshot/internal/routes"
	"github.com/dgnsrekt/routeshot/internal/session"
)

// SourceEntry describes one route-definition tree. Root is relative to the
// project file. An empty convention is detected from the files.
type SourceEntry struct {
	Convention routes.Convention   `yaml:"convention"`
	Root       string              `yaml:"root"`
	Table      []routes.TableEntry `yaml:"table"`
}

// Project is the routeshot.yaml project file.
type Project struct {
	BaseURL      string             `yaml:"base_url"`
	LiveURL      string             `yaml:"live_url"`
	Scope        string             `yaml:"scope"`
	Profile      string             `yaml:"profile"`
	Sources      []SourceEntry      `yaml:"sources"`
	Viewports    []capture.Viewport `yaml:"viewports"`
	ProfilesFile string             `yaml:"profiles_file"`
	Profiles     []fixture.Profile  `yaml:"profiles"`

	dir string
}

// DefaultViewports is used when the project file names none.
func DefaultViewports() []capture.Viewport {
	return []capture.Viewport{
		{Name: "desktop", Width: 1440, Height: 900},
		{Name: "mobile", Width: 390, Height: 844},
	}
}

// LoadProject reads and validates a project file. Returns an
// os.ErrNotExist-wrapped error if the file is absent.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}
	p, err := ParseProject(data)
	if err != nil {
		return nil, err
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// ParseProject decodes and validates project YAML. Relative roots resolve
// against the working directory.
func ParseProject(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}
	p.dir = "."
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	if p.BaseURL == "" {
		return nil, fmt.Errorf("project config: base_url is required")
	}
	if p.LiveURL == "" {
		p.LiveURL = p.BaseURL
	}
	if strings.TrimSpace(p.Scope) == "" {
		p.Scope = session.DefaultScope
	}
	if len(p.Sources) == 0 {
		return nil, fmt.Errorf("project config: at least one source is required")
	}
	for i, s := range p.Sources {
		if s.Convention == routes.ConventionRouteTable && len(s.Table) == 0 {
			return nil, fmt.Errorf("project config: sources[%d] route-table has no entries", i)
		}
		if s.Convention != routes.ConventionRouteTable && len(s.Table) > 0 {
			return nil, fmt.Errorf("project config: sources[%d] table entries need convention %q", i, routes.ConventionRouteTable)
		}
	}
	if len(p.Viewports) == 0 {
		p.Viewports = DefaultViewports()
	}
	if err := capture.ValidateViewports(p.Viewports); err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}
	return &p, nil
}

// RouteSources scans the file-based sources and returns every source ready
// for routes.Build.
func (p *Project) RouteSources() ([]routes.Source, error) {
	out := make([]routes.Source, 0, len(p.Sources))
	for _, s := range p.Sources {
		if s.Convention == routes.ConventionRouteTable {
			out = append(out, routes.Source{Convention: s.Convention, Root: s.Root, Table: s.Table})
			continue
		}
		root := filepath.Join(p.dir, filepath.FromSlash(s.Root))
		src, err := routes.ScanDir(os.DirFS(root), ".", s.Convention)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Root, err)
		}
		src.Root = s.Root
		out = append(out, src)
	}
	return out, nil
}

// ProfileIndex merges the profiles file with inline profiles. The anonymous
// profile is always available unless the project overrides it.
func (p *Project) ProfileIndex() (map[string]fixture.Profile, error) {
	list := append([]fixture.Profile(nil), p.Profiles...)
	if p.ProfilesFile != "" {
		path := p.ProfilesFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.dir, path)
		}
		fromFile, err := fixture.LoadProfiles(path)
		if err != nil {
			return nil, err
		}
		for _, prof := range fromFile {
			list = append(list, prof)
		}
	}
	index, err := fixture.IndexProfiles(list)
	if err != nil {
		return nil, err
	}
	anon := fixture.Anonymous()
	if _, ok := index[anon.ID]; !ok {
		index[anon.ID] = anon
	}
	return index, nil
}

// ResolveProfile returns the named profile, falling back to the project
// default and then to the anonymous profile.
func (p *Project) ResolveProfile(id string) (fixture.Profile, error) {
	index, err := p.ProfileIndex()
	if err != nil {
		return fixture.Profile{}, err
	}
	if id == "" {
		id = p.Profile
	}
	if id == "" {
		id = fixture.Anonymous().ID
	}
	prof, ok := index[id]
	if !ok {
		return fixture.Profile{}, fmt.Errorf("unknown fixture profile %q", id)
	}
	return prof, nil
}
