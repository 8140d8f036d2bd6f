// Package cachekey turns cache key templates into literal store keys and
// computes the ordered list of candidates a cache lookup tries.
//
// A key template is a Go text/template. The hashFiles function expands to
// the lowercase hex SHA-256 of every regular file matched by its glob
// arguments, so identical file contents always give the same key:
//
//	cargo-{{ .OS }}-{{ hashFiles "Cargo.lock" "**/Cargo.toml" }}
package cachekey

import (
	"fmt"
	"io/fs"
	"runtime"
	"sort"
	"strings"
	"text/template"

	cierrors "blockci/internal/errors"
	"blockci/internal/glob"
	"blockci/internal/pipeline"
	"blockci/pkg/utils"
)

// FileSystem is the read-only view of the job workspace templates hash
// against.
type FileSystem = fs.FS

// Data is what key templates can reference.
type Data struct {
	Job       string
	Container string
	OS        string
	Arch      string
	Env       map[string]string
}

// NewData fills OS and Arch from the running platform.
func NewData(job, container string, env map[string]string) Data {
	return Data{Job: job, Container: container, OS: runtime.GOOS, Arch: runtime.GOARCH, Env: env}
}

// Resolver renders key templates against a workspace.
type Resolver struct {
	Data Data
}

// ResolveKey renders spec.Key. A hashFiles pattern that matches no file, a
// template error, or an empty result fail with a Resolution error.
func (r Resolver) ResolveKey(spec pipeline.CacheSpec, view FileSystem) (string, error) {
	funcs := template.FuncMap{
		"hashFiles": func(patterns ...string) (string, error) {
			return HashFiles(view, patterns...)
		},
	}
	tmpl, err := template.New("key").Option("missingkey=error").Funcs(funcs).Parse(spec.Key)
	if err != nil {
		return "", cierrors.Resolution(fmt.Sprintf("parsing key template %q", spec.Key), err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, r.Data); err != nil {
		if cierrors.IsKind(err, cierrors.KindResolution) {
			return "", err
		}
		return "", cierrors.Resolution(fmt.Sprintf("rendering key template %q", spec.Key), err)
	}
	key := strings.TrimSpace(b.String())
	if key == "" {
		return "", cierrors.Resolution(fmt.Sprintf("key template %q rendered empty", spec.Key), nil)
	}
	return key, nil
}

// HashFiles hashes the union of files matched by patterns, in lexicographic
// path order. Every pattern must match at least one file.
func HashFiles(view FileSystem, patterns ...string) (string, error) {
	if len(patterns) == 0 {
		return "", cierrors.Resolution("hashFiles needs at least one pattern", nil)
	}
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		matched, err := glob.Expand(view, p)
		if err != nil {
			return "", cierrors.Resolution(fmt.Sprintf("hashFiles %q", p), err)
		}
		if len(matched) == 0 {
			return "", cierrors.Resolution(fmt.Sprintf("hashFiles %q matched no files", p), nil).
				WithContext("pattern", p)
		}
		for _, f := range matched {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	sort.Strings(files)

	sum, err := utils.HashFileSet(view, files)
	if err != nil {
		return "", cierrors.Resolution("hashing files", err)
	}
	return sum, nil
}

// ResolveCandidates returns the lookup order for a cache: the exact key
// first, then spec's restore keys in declared order. Duplicates keep their
// first position and the order is never otherwise changed.
func ResolveCandidates(spec pipeline.CacheSpec, exactKey string) []string {
	out := make([]string, 0, 1+len(spec.RestoreKeys))
	seen := make(map[string]bool, 1+len(spec.RestoreKeys))
	for _, k := range append([]string{exactKey}, spec.RestoreKeys...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
