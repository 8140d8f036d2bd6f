// Package glob implements the shell-glob dialect used for trigger ref
// patterns and cache hashFiles patterns.
//
//   - "*" matches any run of characters inside one path segment (never "/")
//   - "?" matches one non-slash character, "[...]" a character class
//   - "**" as a whole segment matches zero or more segments
//
// Everything except "**" is delegated to path.Match.
package glob

import (
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ErrBadPattern is returned by Validate and Expand for malformed patterns.
var ErrBadPattern = errors.New("glob: malformed pattern")

// Match reports whether name matches pattern. Malformed patterns never match.
func Match(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		ok, err := path.Match(pattern, name)
		return err == nil && ok
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

// MatchAny reports whether name matches at least one pattern.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}

// Validate checks that pattern is well formed and stays inside the root it
// will be expanded against.
func Validate(pattern string) error {
	if pattern == "" || strings.HasPrefix(pattern, "/") {
		return ErrBadPattern
	}
	for _, seg := range strings.Split(clean(pattern), "/") {
		if seg == ".." {
			return ErrBadPattern
		}
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return ErrBadPattern
		}
	}
	return nil
}

// Expand returns the regular files of fsys matching pattern, as slash
// separated paths sorted lexicographically. Directories are never returned.
func Expand(fsys fs.FS, pattern string) ([]string, error) {
	if err := Validate(pattern); err != nil {
		return nil, err
	}
	pattern = clean(pattern)

	if !hasMeta(pattern) {
		info, err := fs.Stat(fsys, pattern)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, nil
		case err != nil:
			return nil, err
		case !info.Mode().IsRegular():
			return nil, nil
		}
		return []string{pattern}, nil
	}

	root := staticPrefix(pattern)
	if _, err := fs.Stat(fsys, root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var matches []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if Match(pattern, p) {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func clean(pattern string) string {
	return strings.TrimPrefix(path.Clean(pattern), "./")
}

// staticPrefix returns the leading directory of pattern that contains no
// wildcard, or "." when the first segment already has one.
func staticPrefix(pattern string) string {
	segs := strings.Split(pattern, "/")
	n := 0
	for n < len(segs)-1 && !hasMeta(segs[n]) {
		n++
	}
	if n == 0 {
		return "."
	}
	return strings.Join(segs[:n], "/")
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[\`)
}
