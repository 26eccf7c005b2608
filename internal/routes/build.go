package routes

import (
	"sort"
	"strings"
)

// TableEntry is one declaratively registered route.
type TableEntry struct {
	Path    string   `json:"path" yaml:"path"`
	Layouts []string `json:"layouts,omitempty" yaml:"layouts,omitempty"`
	Source  string   `json:"source,omitempty" yaml:"source,omitempty"`
}

// Source is an in-memory representation of one route-definition tree.
// Files are slash-separated paths relative to Root.
type Source struct {
	Convention Convention
	Root       string
	Files      []string
	Table      []TableEntry
}

// Entry is what a parser emits for one route before validation.
type Entry struct {
	Source   string
	Segments []Segment
	Layouts  []string
}

// Parser turns a source tree of one convention into entries.
type Parser interface {
	Convention() Convention
	Parse(src Source) ([]Entry, error)
}

// Builder holds the registered parsers.
type Builder struct {
	parsers map[Convention]Parser
}

// NewBuilder returns a builder with the given parsers; none means the defaults.
func NewBuilder(parsers ...Parser) *Builder {
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}
	b := &Builder{parsers: make(map[Convention]Parser, len(parsers))}
	for _, p := range parsers {
		b.Register(p)
	}
	return b
}

// DefaultParsers returns one parser per built-in convention.
func DefaultParsers() []Parser {
	return []Parser{AppRouterParser{}, PagesRouterParser{}, FileRouterParser{}, TableParser{}}
}

// Register adds or replaces the parser for its convention.
func (b *Builder) Register(p Parser) {
	b.parsers[p.Convention()] = p
}

// Build parses every source and returns the manifest sorted by path.
func Build(sources ...Source) ([]Descriptor, error) {
	return NewBuilder().Build(sources...)
}

// Build parses every source and returns the manifest sorted by path.
func (b *Builder) Build(sources ...Source) ([]Descriptor, error) {
	seen := make(map[string]Descriptor)
	var out []Descriptor

	for _, src := range sources {
		p, ok := b.parsers[src.Convention]
		if !ok {
			return nil, &UnknownConventionError{Convention: src.Convention}
		}
		entries, err := p.Parse(src)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if err := validateSegments(e); err != nil {
				return nil, err
			}
			d := Descriptor{
				Path:        CanonicalPath(e.Segments),
				Segments:    append([]Segment(nil), e.Segments...),
				Convention:  src.Convention,
				LayoutChain: append([]string{}, e.Layouts...),
				Source:      e.Source,
			}
			key := shapeKey(e.Segments)
			if prev, dup := seen[key]; dup {
				return nil, &DuplicateRouteError{Path: prev.Path, First: prev.Source, Second: d.Source}
			}
			seen[key] = d
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func validateSegments(e Entry) error {
	names := make(map[string]struct{})
	for i, s := range e.Segments {
		if s.Kind == SegmentCatchAll && i != len(e.Segments)-1 {
			return &CatchAllPlacementError{Source: e.Source, Segment: s.Name}
		}
		if s.Kind == SegmentLiteral {
			continue
		}
		if _, dup := names[s.Name]; dup {
			return &DuplicateParamError{Source: e.Source, Name: s.Name}
		}
		names[s.Name] = struct{}{}
	}
	return nil
}

// bracketSegment classifies "[x]", "[...x]" and "[[...x]]".
func bracketSegment(raw, source string) (Segment, bool, error) {
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return Segment{}, false, nil
	}
	inner := raw
	if strings.HasPrefix(inner, "[[") && strings.HasSuffix(inner, "]]") {
		inner = inner[1 : len(inner)-1]
	}
	inner = inner[1 : len(inner)-1]
	if name, ok := strings.CutPrefix(inner, "..."); ok {
		if !validParamName(name) {
			return Segment{}, true, &MalformedSegmentError{Source: source, Segment: raw}
		}
		return CatchAll(name), true, nil
	}
	if !validParamName(inner) {
		return Segment{}, true, &MalformedSegmentError{Source: source, Segment: raw}
	}
	return Dynamic(inner), true, nil
}

// prefixSegment classifies "$x" and the bare splat "$".
func prefixSegment(raw, source string) (Segment, bool, error) {
	if !strings.HasPrefix(raw, "$") {
		return Segment{}, false, nil
	}
	name := raw[1:]
	if name == "" {
		return CatchAll("splat"), true, nil
	}
	if !validParamName(name) {
		return Segment{}, true, &MalformedSegmentError{Source: source, Segment: raw}
	}
	return Dynamic(name), true, nil
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '[' || r == ']' || r == '.' || r == '$' || r == ':' || r == '*' {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

var pageExtensions = []string{".tsx", ".ts", ".jsx", ".js", ".mdx", ".md"}

// stripPageExt returns the name without a recognised page extension.
func stripPageExt(name string) (string, bool) {
	for _, ext := range pageExtensions {
		if base, ok := strings.CutSuffix(name, ext); ok && base != "" {
			return base, true
		}
	}
	return "", false
}

func joinID(root string, parts ...string) string {
	all := append([]string{}, splitPath(root)...)
	for _, p := range parts {
		all = append(all, splitPath(p)...)
	}
	return strings.Join(all, "/")
}
