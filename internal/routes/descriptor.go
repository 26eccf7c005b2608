// Package routes builds a canonical, framework-agnostic route manifest from
// file-based routing conventions and declarative route tables.
package routes

import (
	"fmt"
	"strings"
)

// Convention names a routing convention a source tree follows.
type Convention string

const (
	ConventionAppRouter   Convention = "app-router"
	ConventionPagesRouter Convention = "pages-router"
	ConventionFileRouter  Convention = "file-based-router"
	ConventionRouteTable  Convention = "route-table"
)

// SegmentKind classifies one path segment.
type SegmentKind string

const (
	SegmentLiteral  SegmentKind = "literal"
	SegmentDynamic  SegmentKind = "dynamic"
	SegmentCatchAll SegmentKind = "catchAll"
)

// Segment is one element of a route path.
type Segment struct {
	Kind SegmentKind `json:"kind" yaml:"kind"`
	Name string      `json:"name" yaml:"name"`
}

func Literal(name string) Segment  { return Segment{Kind: SegmentLiteral, Name: name} }
func Dynamic(name string) Segment  { return Segment{Kind: SegmentDynamic, Name: name} }
func CatchAll(name string) Segment { return Segment{Kind: SegmentCatchAll, Name: name} }

// Descriptor is one canonical route of the manifest.
type Descriptor struct {
	Path        string     `json:"path"`
	Segments    []Segment  `json:"segments"`
	Convention  Convention `json:"source_convention"`
	LayoutChain []string   `json:"layout_chain"`
	Source      string     `json:"source"`
}

// Params returns the names of dynamic and catch-all segments in path order.
func (d Descriptor) Params() []string {
	var names []string
	for _, s := range d.Segments {
		if s.Kind != SegmentLiteral {
			names = append(names, s.Name)
		}
	}
	return names
}

// IsDynamic reports whether the route needs parameter values to be visited.
func (d Descriptor) IsDynamic() bool {
	return len(d.Params()) > 0
}

// CanonicalPath renders segments as "/a/:b/*c".
func CanonicalPath(segments []Segment) string {
	if len(segments) == 0 {
		return "/"
	}
	parts := make([]string, len(segments))
	for i, s := range segments {
		switch s.Kind {
		case SegmentDynamic:
			parts[i] = ":" + s.Name
		case SegmentCatchAll:
			parts[i] = "*" + s.Name
		default:
			parts[i] = s.Name
		}
	}
	return "/" + strings.Join(parts, "/")
}

// shapeKey erases parameter names so "/p/:a" and "/p/:b" compare equal.
func shapeKey(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		switch s.Kind {
		case SegmentDynamic:
			b.WriteByte(':')
		case SegmentCatchAll:
			b.WriteByte('*')
		default:
			b.WriteString(s.Name)
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// DuplicateRouteError reports two sources that normalize to the same route.
type DuplicateRouteError struct {
	Path   string
	First  string
	Second string
}

func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("duplicate route %s: defined by %s and %s", e.Path, e.First, e.Second)
}

// CatchAllPlacementError reports a catch-all segment that is not the last one.
type CatchAllPlacementError struct {
	Source  string
	Segment string
}

func (e *CatchAllPlacementError) Error() string {
	return fmt.Sprintf("catch-all segment %q must be the final segment (%s)", e.Segment, e.Source)
}

// DuplicateParamError reports a dynamic segment name used twice in one path.
type DuplicateParamError struct {
	Source string
	Name   string
}

func (e *DuplicateParamError) Error() string {
	return fmt.Sprintf("parameter %q appears more than once (%s)", e.Name, e.Source)
}

// MalformedSegmentError reports a marker with no usable name, e.g. "[]".
type MalformedSegmentError struct {
	Source  string
	Segment string
}

func (e *MalformedSegmentError) Error() string {
	return fmt.Sprintf("malformed segment %q (%s)", e.Segment, e.Source)
}

// UnknownConventionError reports a source with no registered parser.
type UnknownConventionError struct {
	Convention Convention
}

func (e *UnknownConventionError) Error() string {
	return fmt.Sprintf("no parser registered for convention %q", e.Convention)
}
