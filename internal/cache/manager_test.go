package cache

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "blockci/internal/errors"
	"blockci/internal/retry"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		if info.Mode().IsRegular() {
			rel, _ := filepath.Rel(root, p)
			b, err := os.ReadFile(p)
			require.NoError(t, err)
			out[filepath.ToSlash(rel)] = string(b)
		}
		return nil
	}))
	return out
}

func TestPackUnpackRoundTrip(t *testing.T) {
	files := map[string]string{
		"registry/index":    "crates",
		"registry/cache/a":  "aaaa",
		"bin/cargo-nextest": "#!/bin/sh\n",
	}
	for _, c := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(c.String(), func(t *testing.T) {
			src := t.TempDir()
			writeTree(t, src, files)
			require.NoError(t, os.Symlink("registry/index", filepath.Join(src, "index-link")))

			data, err := Pack(src, c)
			require.NoError(t, err)
			assert.Equal(t, byte(c), data[0])

			dest := filepath.Join(t.TempDir(), "restored")
			require.NoError(t, Unpack(data, dest))
			assert.Equal(t, files, readTree(t, dest))

			link, err := os.Readlink(filepath.Join(dest, "index-link"))
			require.NoError(t, err)
			assert.Equal(t, "registry/index", link)
		})
	}
}

func TestPackSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "node_modules.tgz")
	require.NoError(t, os.WriteFile(src, []byte("blob"), 0o600))

	data, err := Pack(src, CompressionZstd)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.tgz")
	require.NoError(t, Unpack(data, dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "blob", string(b))
}

func TestUnpackRejectsTraversal(t *testing.T) {
	for _, hdr := range []*tar.Header{
		{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "/etc/evil", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "../../outside"},
	} {
		var buf bytes.Buffer
		buf.WriteByte(byte(CompressionNone))
		tw := tar.NewWriter(&buf)
		require.NoError(t, tw.WriteHeader(hdr))
		require.NoError(t, tw.Close())

		err := Unpack(buf.Bytes(), filepath.Join(t.TempDir(), "dest"))
		assert.Error(t, err, hdr.Name)
	}
}

func TestUnpackRejectsSymlinkChain(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(CompressionNone))
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "s", Typeflag: tar.TypeSymlink, Linkname: "."}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "s/s/s/x", Typeflag: tar.TypeSymlink, Linkname: "../../.."}))
	payload := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x/pwned", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(payload))}))
	_, err := tw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	base := t.TempDir()
	dest := filepath.Join(base, "one", "two", "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	assert.Error(t, Unpack(buf.Bytes(), dest))
	assert.NoFileExists(t, filepath.Join(base, "pwned"))
	assert.NoFileExists(t, filepath.Join(base, "one", "pwned"))
}

func TestUnpackReplacesSymlinkedFile(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	dest := filepath.Join(base, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "f")))

	var buf bytes.Buffer
	buf.WriteByte(byte(CompressionNone))
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "f", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}))
	_, err := tw.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	require.NoError(t, Unpack(buf.Bytes(), dest))
	b, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
	b, err = os.ReadFile(filepath.Join(dest, "f"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestUnpackUnknownCompression(t *testing.T) {
	assert.Error(t, Unpack([]byte{9, 1, 2}, t.TempDir()))
	assert.Error(t, Unpack(nil, t.TempDir()))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)
	c, err = ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)
	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestManagerSaveThenRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(tick())
	m := NewManager(store, ManagerOptions{})

	src := t.TempDir()
	writeTree(t, src, map[string]string{"registry/index": "v1"})
	require.NoError(t, m.Save(ctx, "cargo-abc", src))

	dest := filepath.Join(t.TempDir(), ".cargo")
	res, err := m.Restore(ctx, []string{"cargo-abc", "cargo-"}, dest)
	require.NoError(t, err)
	assert.True(t, res.Hit())
	assert.True(t, res.Exact)
	assert.Equal(t, map[string]string{"registry/index": "v1"}, readTree(t, dest))

	res, err = m.Restore(ctx, []string{"cargo-new", "cargo-"}, filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	assert.Equal(t, "cargo-abc", res.Key)
	assert.False(t, res.Exact)

	res, err = m.Restore(ctx, []string{"npm-x"}, filepath.Join(t.TempDir(), "q"))
	require.NoError(t, err)
	assert.False(t, res.Hit())
}

func TestManagerSaveMissingPath(t *testing.T) {
	m := NewManager(NewMemoryStore(), ManagerOptions{})
	err := m.Save(context.Background(), "k", filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNothingToSave)
}

// flakyStore fails the first n puts with a retryable error.
type flakyStore struct {
	*MemoryStore
	failures int32
	puts     atomic.Int32
	getErr   error
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if f.puts.Add(1) <= f.failures {
		return cierrors.StoreUnavailable("cache", assert.AnError)
	}
	return f.MemoryStore.Put(ctx, key, data)
}

func (f *flakyStore) Get(ctx context.Context, candidates []string) (*Entry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, candidates)
}

func fastPolicy(retries int) *retry.Policy {
	p := retry.NewPolicy(retry.ModeFixed, time.Millisecond, time.Millisecond, retries)
	return &p
}

func TestManagerSaveRetriesUnavailableStore(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	m := NewManager(store, ManagerOptions{Retry: fastPolicy(3)})

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})
	require.NoError(t, m.Save(context.Background(), "k", src))
	assert.Equal(t, int32(3), store.puts.Load())
}

func TestManagerSaveGivesUp(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	m := NewManager(store, ManagerOptions{Retry: fastPolicy(2)})

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})
	err := m.Save(context.Background(), "k", src)
	require.Error(t, err)
	assert.True(t, cierrors.IsKind(err, cierrors.KindStoreUnavailable))
	assert.Equal(t, int32(3), store.puts.Load())
}

func TestManagerRestoreStoreErrorIsNotRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), getErr: cierrors.StoreUnavailable("cache", assert.AnError)}
	m := NewManager(store, ManagerOptions{})

	res, err := m.Restore(context.Background(), []string{"k"}, t.TempDir())
	require.Error(t, err)
	assert.False(t, res.Hit())
}
