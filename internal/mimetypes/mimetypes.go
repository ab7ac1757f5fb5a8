// Package mimetypes maps file extensions to Content-Type values.
//
// A Table is built once and never changes afterwards. The process-wide
// table in the standard library's mime package is only ever read.
package mimetypes

import (
	"fmt"
	"mime"
	"path"
	"sort"
	"strings"
)

// builtin covers the types a browser needs to get right for a typical
// front-end build output.
var builtin = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".txt":   "text/plain; charset=utf-8",
	".xml":   "text/xml; charset=utf-8",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".pdf":   "application/pdf",
	".wasm":  "application/wasm",
}

// Table is an immutable extension -> MIME type mapping.
type Table struct {
	types map[string]string
}

// New builds a Table from the built-in defaults with overrides applied on
// top. Keys are extensions with a leading dot and are matched
// case-insensitively.
func New(overrides map[string]string) (*Table, error) {
	normalized, err := Normalize(overrides)
	if err != nil {
		return nil, err
	}
	types := make(map[string]string, len(builtin)+len(normalized))
	for ext, typ := range builtin {
		types[ext] = typ
	}
	for ext, typ := range normalized {
		types[ext] = typ
	}
	return &Table{types: types}, nil
}

// Normalize validates overrides and returns a copy keyed by lower-case
// extension. Keys that differ only in case must map to the same type.
func Normalize(overrides map[string]string) (map[string]string, error) {
	exts := make([]string, 0, len(overrides))
	for ext := range overrides {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	out := make(map[string]string, len(overrides))
	seen := make(map[string]string, len(overrides))
	for _, ext := range exts {
		typ := overrides[ext]
		if err := Validate(ext, typ); err != nil {
			return nil, err
		}
		key := strings.ToLower(ext)
		if prev, ok := seen[key]; ok && out[key] != typ {
			return nil, fmt.Errorf("conflicting MIME types for %s and %s", prev, ext)
		}
		seen[key] = ext
		out[key] = typ
	}
	return out, nil
}

// Validate reports whether ext and typ form a usable override entry.
func Validate(ext, typ string) error {
	if len(ext) < 2 || ext[0] != '.' || strings.ContainsAny(ext, "/\\") {
		return fmt.Errorf("invalid extension %q: must look like \".ext\"", ext)
	}
	if _, _, err := mime.ParseMediaType(typ); err != nil {
		return fmt.Errorf("invalid MIME type %q for %s: %w", typ, ext, err)
	}
	return nil
}

// TypeByExtension returns the Content-Type for ext, or "" when unknown.
func (t *Table) TypeByExtension(ext string) string {
	if ext == "" {
		return ""
	}
	if typ, ok := t.types[strings.ToLower(ext)]; ok {
		return typ
	}
	return mime.TypeByExtension(ext)
}

// TypeByPath returns the Content-Type for the extension of a slash-separated path.
func (t *Table) TypeByPath(p string) string {
	return t.TypeByExtension(path.Ext(p))
}
