package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	cierrors "blockci/internal/errors"
)

// FileStore keeps entries on a local or shared filesystem.
//
// Layout:
//
//	{Dir}/
//	  {sha[0:2]}/
//	    {sha}.entry   header line (JSON) followed by the blob
//
// where sha is the SHA-256 of the key. Each entry is one file committed with
// a rename, so concurrent writers to the same key are last-writer-wins and
// readers see either the old or the new entry.
type FileStore struct {
	Dir string
	now func() time.Time
}

type fileHeader struct {
	Key      string    `json:"key"`
	StoredAt time.Time `json:"stored_at"`
	Size     int64     `json:"size"`
}

const entrySuffix = ".entry"

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, now: time.Now}
}

// WithClock sets the clock used to stamp entries.
func (s *FileStore) WithClock(now func() time.Time) *FileStore {
	s.now = now
	return s
}

func (s *FileStore) Get(ctx context.Context, candidates []string) (*Entry, error) {
	metas, paths, err := s.scan(ctx)
	if err != nil {
		return nil, cierrors.StoreUnavailable("cache", err)
	}
	sel, ok := Select(candidates, metas)
	if !ok {
		return nil, nil
	}

	hdr, data, err := readEntry(paths[sel.Key])
	if errors.Is(err, fs.ErrNotExist) {
		// Replaced or removed since the scan.
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.StoreUnavailable("cache", err)
	}
	return &Entry{Key: hdr.Key, Data: data, StoredAt: hdr.StoredAt}, nil
}

func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	path := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cierrors.StoreUnavailable("cache", fmt.Errorf("creating cache directory: %w", err))
	}

	hdr, err := json.Marshal(fileHeader{Key: key, StoredAt: s.now().UTC(), Size: int64(len(data))})
	if err != nil {
		return fmt.Errorf("encoding cache header: %w", err)
	}

	if err := writeFileAtomic(path, func(w io.Writer) error {
		if _, err := w.Write(append(hdr, '\n')); err != nil {
			return err
		}
		_, err := w.Write(data)
		return err
	}); err != nil {
		return cierrors.StoreUnavailable("cache", fmt.Errorf("writing cache entry: %w", err))
	}
	return nil
}

// List returns metadata for every committed entry.
func (s *FileStore) List(ctx context.Context) ([]Meta, error) {
	metas, _, err := s.scan(ctx)
	return metas, err
}

func (s *FileStore) scan(ctx context.Context) ([]Meta, map[string]string, error) {
	var metas []Meta
	paths := make(map[string]string)

	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, entrySuffix) {
			return nil
		}
		hdr, err := readHeader(path)
		if err != nil {
			// A file vanishing or half-written temp files are not errors.
			return nil
		}
		metas = append(metas, Meta{Key: hdr.Key, StoredAt: hdr.StoredAt, Size: hdr.Size})
		paths[hdr.Key] = path
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return metas, paths, nil
}

func (s *FileStore) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.Dir, name[:2], name+entrySuffix)
}

func readHeader(path string) (fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return fileHeader{}, err
	}
	var hdr fileHeader
	err = json.Unmarshal(line, &hdr)
	return hdr, err
}

func readEntry(path string) (fileHeader, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fileHeader{}, nil, fmt.Errorf("reading cache header: %w", err)
	}
	var hdr fileHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return fileHeader{}, nil, fmt.Errorf("parsing cache header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fileHeader{}, nil, err
	}
	if int64(len(data)) != hdr.Size {
		return fileHeader{}, nil, fmt.Errorf("cache entry %q is %d bytes, header says %d", hdr.Key, len(data), hdr.Size)
	}
	return hdr, data, nil
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
