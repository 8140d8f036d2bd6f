// Package artifact publishes files produced by successful containers to an
// append-only artifact store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	cierrors "blockci/internal/errors"
)

// Store receives published artifacts. Upload never overwrites: publishing
// the same remote path again creates a new version, which is returned.
type Store interface {
	Upload(ctx context.Context, remote string, data []byte) (string, error)
}

// Reader serves published artifacts. An empty version asks for the latest
// one; the version actually read is returned with the content.
type Reader interface {
	Open(remote, version string) ([]byte, string, error)
}

// ErrNotFound is returned by Open for unknown remotes and versions.
var ErrNotFound = errors.New("artifact not found")

// versionsDir holds the versions of a remote in FSStore. Remotes may not
// use it as a segment, so that no remote's versions sit inside another
// remote's directory.
const versionsDir = ".versions"

// CleanRemote validates a remote path and returns it in canonical form.
func CleanRemote(remote string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(remote, "/"))
	if remote == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid remote path %q", remote)
	}
	if slices.Contains(strings.Split(clean, "/"), versionsDir) {
		return "", fmt.Errorf("invalid remote path %q: %s is reserved", remote, versionsDir)
	}
	return clean, nil
}

// pickVersion resolves version against the ascending list of published
// versions, the latest one when version is empty.
func pickVersion(remote, version string, published []int) (int, error) {
	if version == "" {
		if len(published) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, remote)
		}
		return published[len(published)-1], nil
	}
	n, err := strconv.Atoi(version)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version %q", version)
	}
	if !slices.Contains(published, n) {
		return 0, fmt.Errorf("%w: %s@%s", ErrNotFound, remote, version)
	}
	return n, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	versions map[string][][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][][]byte)}
}

func (m *MemoryStore) Upload(_ context.Context, remote string, data []byte) (string, error) {
	remote, err := CleanRemote(remote)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[remote] = append(m.versions[remote], append([]byte(nil), data...))
	return strconv.Itoa(len(m.versions[remote])), nil
}

// Versions returns every published version of remote, oldest first.
func (m *MemoryStore) Versions(remote string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.versions[remote]...)
}

func (m *MemoryStore) Open(remote, version string) ([]byte, string, error) {
	remote, err := CleanRemote(remote)
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	published := make([]int, len(m.versions[remote]))
	for i := range published {
		published[i] = i + 1
	}
	n, err := pickVersion(remote, version, published)
	if err != nil {
		return nil, "", err
	}
	return append([]byte(nil), m.versions[remote][n-1]...), strconv.Itoa(n), nil
}

// FSStore keeps artifacts under Dir as {Dir}/{remote}/.versions/{version},
// where the version is a sequence number starting at 1. New versions are
// written to a temp file and hard linked into place, so an existing version
// is never replaced, even by a concurrent publisher.
type FSStore struct {
	Dir string
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{Dir: dir}
}

func (s *FSStore) Upload(ctx context.Context, remote string, data []byte) (string, error) {
	remote, err := CleanRemote(remote)
	if err != nil {
		return "", err
	}
	dir := s.versionDir(remote)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cierrors.StoreUnavailable("artifact store", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", cierrors.StoreUnavailable("artifact store", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", cierrors.StoreUnavailable("artifact store", err)
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return "", cierrors.StoreUnavailable("artifact store", err)
	}

	versions, err := s.Versions(remote)
	if err != nil {
		return "", cierrors.StoreUnavailable("artifact store", err)
	}
	next := 1
	if n := len(versions); n > 0 {
		next = versions[n-1] + 1
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		target := filepath.Join(dir, strconv.Itoa(next))
		err := os.Link(tmp.Name(), target)
		if err == nil {
			return strconv.Itoa(next), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", cierrors.StoreUnavailable("artifact store", err)
		}
		next++
	}
}

// Versions lists the published version numbers of remote in ascending order.
func (s *FSStore) Versions(remote string) ([]int, error) {
	remote, err := CleanRemote(remote)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.versionDir(remote))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if n, err := strconv.Atoi(e.Name()); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *FSStore) Open(remote, version string) ([]byte, string, error) {
	remote, err := CleanRemote(remote)
	if err != nil {
		return nil, "", err
	}
	published, err := s.Versions(remote)
	if err != nil {
		return nil, "", cierrors.StoreUnavailable("artifact store", err)
	}
	n, err := pickVersion(remote, version, published)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(s.versionDir(remote), strconv.Itoa(n)))
	if err != nil {
		return nil, "", cierrors.StoreUnavailable("artifact store", err)
	}
	return data, strconv.Itoa(n), nil
}

func (s *FSStore) versionDir(remote string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(remote), versionsDir)
}
