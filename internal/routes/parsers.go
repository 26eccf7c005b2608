package routes

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// AppRouterParser handles directory trees where a "page" marker file makes its
// directory a route and "layout" files wrap every route below them.
type AppRouterParser struct{}

func (AppRouterParser) Convention() Convention { return ConventionAppRouter }

func (AppRouterParser) Parse(src Source) ([]Entry, error) {
	layouts := make(map[string]bool)
	var pages []string
	for _, f := range src.Files {
		dir, file := path.Split(strings.Trim(f, "/"))
		base, ok := stripPageExt(file)
		if !ok {
			continue
		}
		dir = strings.Trim(dir, "/")
		switch base {
		case "layout":
			layouts[dir] = true
		case "page":
			pages = append(pages, dir)
		}
	}
	sort.Strings(pages)

	var entries []Entry
	for _, dir := range pages {
		parts := splitPath(dir)
		source := joinID(src.Root, dir, "page")
		var segments []Segment
		skip := false
		for _, part := range parts {
			if strings.HasPrefix(part, "_") || strings.HasPrefix(part, "@") {
				skip = true
				break
			}
			if strings.HasPrefix(part, "(") && strings.HasSuffix(part, ")") {
				continue
			}
			seg, isParam, err := bracketSegment(part, source)
			if err != nil {
				return nil, err
			}
			if !isParam {
				seg = Literal(part)
			}
			segments = append(segments, seg)
		}
		if skip {
			continue
		}

		var chain []string
		for i := 0; i <= len(parts); i++ {
			prefix := strings.Join(parts[:i], "/")
			if layouts[prefix] {
				chain = append(chain, joinID(src.Root, prefix, "layout"))
			}
		}
		entries = append(entries, Entry{Source: source, Segments: segments, Layouts: chain})
	}
	return entries, nil
}

// PagesRouterParser handles flat trees where each file path is the route.
type PagesRouterParser struct{}

func (PagesRouterParser) Convention() Convention { return ConventionPagesRouter }

var pagesSpecialFiles = map[string]bool{"_app": true, "_document": true, "_error": true}

func (PagesRouterParser) Parse(src Source) ([]Entry, error) {
	files := append([]string(nil), src.Files...)
	sort.Strings(files)

	var layouts []string
	var entries []Entry
	for _, f := range files {
		f = strings.Trim(f, "/")
		base, ok := stripPageExt(f)
		if !ok {
			continue
		}
		parts := splitPath(base)
		if len(parts) == 0 || parts[0] == "api" {
			continue
		}
		if len(parts) == 1 && pagesSpecialFiles[parts[0]] {
			if parts[0] == "_app" {
				layouts = []string{joinID(src.Root, "_app")}
			}
			continue
		}
		if parts[len(parts)-1] == "index" {
			parts = parts[:len(parts)-1]
		}
		source := joinID(src.Root, base)
		segments := make([]Segment, 0, len(parts))
		for _, part := range parts {
			seg, isParam, err := bracketSegment(part, source)
			if err != nil {
				return nil, err
			}
			if !isParam {
				seg = Literal(part)
			}
			segments = append(segments, seg)
		}
		entries = append(entries, Entry{Source: source, Segments: segments})
	}
	for i := range entries {
		entries[i].Layouts = append([]string(nil), layouts...)
	}
	return entries, nil
}

// FileRouterParser handles prefix-notation route files ("$id", "_layout",
// "__root") with "/" or "." as separators.
type FileRouterParser struct{}

func (FileRouterParser) Convention() Convention { return ConventionFileRouter }

type routeFile struct {
	id     string
	tokens []string
}

func (FileRouterParser) Parse(src Source) ([]Entry, error) {
	var files []routeFile
	rootLayout := ""
	for _, f := range src.Files {
		f = strings.Trim(f, "/")
		base, ok := stripPageExt(f)
		if !ok {
			continue
		}
		if ignoredRouteFile(base) {
			continue
		}
		if base == "__root" {
			rootLayout = joinID(src.Root, base)
			continue
		}
		var tokens []string
		for _, part := range splitPath(base) {
			for _, tok := range strings.Split(part, ".") {
				if tok != "" {
					tokens = append(tokens, tok)
				}
			}
		}
		if n := len(tokens); n > 0 && tokens[n-1] == "route" {
			tokens = tokens[:n-1]
		}
		files = append(files, routeFile{id: joinID(src.Root, base), tokens: tokens})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	keys := make(map[string]bool, len(files))
	for _, rf := range files {
		keys[strings.Join(rf.tokens, "/")] = true
	}

	var entries []Entry
	for _, rf := range files {
		n := len(rf.tokens)
		if n > 0 && isPathless(rf.tokens[n-1]) {
			continue
		}
		if keys[strings.Join(append(append([]string{}, rf.tokens...), "index"), "/")] {
			continue
		}
		tokens := rf.tokens
		if n > 0 && tokens[n-1] == "index" {
			tokens = tokens[:n-1]
		}

		var segments []Segment
		for _, tok := range tokens {
			if isPathless(tok) || (strings.HasPrefix(tok, "(") && strings.HasSuffix(tok, ")")) {
				continue
			}
			tok = strings.TrimSuffix(tok, "_")
			seg, isParam, err := prefixSegment(tok, rf.id)
			if err != nil {
				return nil, err
			}
			if !isParam {
				seg = Literal(tok)
			}
			segments = append(segments, seg)
		}

		var chain []string
		if rootLayout != "" {
			chain = append(chain, rootLayout)
		}
		for _, other := range layoutAncestors(files, rf) {
			chain = append(chain, other.id)
		}
		entries = append(entries, Entry{Source: rf.id, Segments: segments, Layouts: chain})
	}
	return entries, nil
}

// ignoredRouteFile reports files or directories prefixed with "-".
func ignoredRouteFile(base string) bool {
	for _, part := range splitPath(base) {
		if strings.HasPrefix(part, "-") {
			return true
		}
	}
	return false
}

func isPathless(tok string) bool {
	return strings.HasPrefix(tok, "_") && !strings.HasPrefix(tok, "__")
}

// layoutAncestors returns files whose tokens are a proper prefix of rf's,
// shortest first.
func layoutAncestors(files []routeFile, rf routeFile) []routeFile {
	var out []routeFile
	for _, other := range files {
		if len(other.tokens) >= len(rf.tokens) || len(other.tokens) == 0 {
			continue
		}
		if other.tokens[len(other.tokens)-1] == "index" {
			continue
		}
		match := true
		for i, tok := range other.tokens {
			if rf.tokens[i] != tok {
				match = false
				break
			}
		}
		if match {
			out = append(out, other)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].tokens) < len(out[j].tokens) })
	return out
}

// TableParser handles declaratively registered paths such as "/product/:slug",
// "/product/$slug", "/product/{slug}" and "/docs/*rest".
type TableParser struct{}

func (TableParser) Convention() Convention { return ConventionRouteTable }

func (TableParser) Parse(src Source) ([]Entry, error) {
	entries := make([]Entry, 0, len(src.Table))
	for i, te := range src.Table {
		source := te.Source
		if source == "" {
			source = fmt.Sprintf("%s#%d(%s)", tableName(src.Root), i, te.Path)
		}
		var segments []Segment
		for _, part := range splitPath(te.Path) {
			seg, err := tableSegment(part, source)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
		}
		entries = append(entries, Entry{Source: source, Segments: segments, Layouts: te.Layouts})
	}
	return entries, nil
}

func tableName(root string) string {
	if root == "" {
		return "table"
	}
	return root
}

func tableSegment(raw, source string) (Segment, error) {
	if seg, ok, err := bracketSegment(raw, source); ok || err != nil {
		return seg, err
	}
	if seg, ok, err := prefixSegment(raw, source); ok || err != nil {
		return seg, err
	}
	switch {
	case raw == "*":
		return CatchAll("splat"), nil
	case strings.HasPrefix(raw, "*"):
		return paramOrMalformed(raw[1:], raw, source, CatchAll)
	case strings.HasPrefix(raw, ":") && strings.HasSuffix(raw, "*"):
		return paramOrMalformed(raw[1:len(raw)-1], raw, source, CatchAll)
	case strings.HasPrefix(raw, ":"):
		return paramOrMalformed(raw[1:], raw, source, Dynamic)
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		inner := raw[1 : len(raw)-1]
		if name, ok := strings.CutPrefix(inner, "..."); ok {
			return paramOrMalformed(name, raw, source, CatchAll)
		}
		return paramOrMalformed(inner, raw, source, Dynamic)
	}
	return Literal(raw), nil
}

func paramOrMalformed(name, raw, source string, mk func(string) Segment) (Segment, error) {
	if !validParamName(name) {
		return Segment{}, &MalformedSegmentError{Source: source, Segment: raw}
	}
	return mk(name), nil
}
