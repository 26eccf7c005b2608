package routes

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
)

var skippedDirs = map[string]bool{"node_modules": true, "dist": true, "build": true}

// ScanDir lists the files under root in fsys as a Source. An empty conv is
// resolved with Detect.
func ScanDir(fsys fs.FS, root string, conv Convention) (Source, error) {
	root = strings.Trim(path.Clean("/"+root), "/")
	if root == "" {
		root = "."
	}
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p != root && (strings.HasPrefix(name, ".") || skippedDirs[name]) {
				return fs.SkipDir
			}
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if root == "." {
			rel = p
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return Source{}, fmt.Errorf("scan %s: %w", root, err)
	}

	if conv == "" {
		detected, ok := Detect(files)
		if !ok {
			return Source{}, fmt.Errorf("scan %s: could not detect a routing convention", root)
		}
		conv = detected
	}
	if root == "." {
		root = ""
	}
	return Source{Convention: conv, Root: root, Files: files}, nil
}

// Detect guesses the convention of a file list from its marker files.
func Detect(files []string) (Convention, bool) {
	var sawPages, sawDollar bool
	for _, f := range files {
		base, ok := stripPageExt(path.Base(f))
		if !ok {
			continue
		}
		switch {
		case base == "page" || base == "layout":
			return ConventionAppRouter, true
		case base == "__root":
			return ConventionFileRouter, true
		case strings.Contains(base, "$"):
			sawDollar = true
		case base == "_app" || base == "_document" || base == "index" || strings.HasPrefix(base, "["):
			sawPages = true
		}
	}
	switch {
	case sawDollar:
		return ConventionFileRouter, true
	case sawPages:
		return ConventionPagesRouter, true
	}
	return "", false
}
