package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "blockci/internal/errors"
	"blockci/internal/pipeline"
	"blockci/internal/retry"
)

func buildContainer() *pipeline.Container {
	return &pipeline.Container{Name: "build", Image: "rust:1.75", Mount: "/src"}
}

func TestPublishUploadsBytesUnchanged(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "target/release"), 0o755))
	payload := []byte{0x7f, 'E', 'L', 'F', 0, 1, 2}
	require.NoError(t, os.WriteFile(filepath.Join(ws, "target/release/app"), payload, 0o755))

	store := NewMemoryStore()
	col := NewCollector(store, nil, nil, nil)

	for _, path := range []string{"target/release/app", "/src/target/release/app"} {
		a, err := col.Publish(context.Background(), buildContainer(), pipeline.ArtifactSpec{Path: path, Remote: "releases/app"}, ws)
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), a.Size)
		assert.Equal(t, Digest(payload), a.Digest)
		assert.Len(t, a.Digest, 64)
	}

	versions := store.Versions("releases/app")
	require.Len(t, versions, 2, "republishing appends a version")
	assert.Equal(t, payload, versions[0])
	assert.Equal(t, payload, versions[1])
}

func TestPublishMissing(t *testing.T) {
	col := NewCollector(NewMemoryStore(), nil, nil, nil)
	_, err := col.Publish(context.Background(), buildContainer(), pipeline.ArtifactSpec{Path: "dist/app", Remote: "r"}, t.TempDir())
	require.Error(t, err)
	assert.True(t, cierrors.IsKind(err, cierrors.KindArtifactNotFound))

	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "dist"), 0o755))
	_, err = col.Publish(context.Background(), buildContainer(), pipeline.ArtifactSpec{Path: "dist", Remote: "r"}, ws)
	assert.True(t, cierrors.IsKind(err, cierrors.KindArtifactNotFound), "directories are not artifacts")
}

type flakyStore struct {
	*MemoryStore
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) Upload(ctx context.Context, remote string, data []byte) (string, error) {
	if f.calls.Add(1) <= f.failures {
		return "", cierrors.StoreUnavailable("artifact store", assert.AnError)
	}
	return f.MemoryStore.Upload(ctx, remote, data)
}

func TestPublishRetriesUnavailableStore(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "app"), []byte("bin"), 0o644))
	p := retry.NewPolicy(retry.ModeFixed, time.Millisecond, time.Millisecond, 2)

	ok := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	a, err := NewCollector(ok, &p, nil, nil).Publish(context.Background(), buildContainer(), pipeline.ArtifactSpec{Path: "app", Remote: "r/app"}, ws)
	require.NoError(t, err)
	assert.Equal(t, "1", a.Version)

	down := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	_, err = NewCollector(down, &p, nil, nil).Publish(context.Background(), buildContainer(), pipeline.ArtifactSpec{Path: "app", Remote: "r/app"}, ws)
	require.Error(t, err)
	assert.True(t, cierrors.IsKind(err, cierrors.KindStoreUnavailable))
	assert.Equal(t, int32(3), down.calls.Load())
}

func TestFSStoreAppendOnly(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()

	v1, err := s.Upload(ctx, "releases/app", []byte("one"))
	require.NoError(t, err)
	v2, err := s.Upload(ctx, "/releases/app", []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)

	b, v, err := s.Open("releases/app", v1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(b))
	assert.Equal(t, "1", v)

	b, v, err = s.Open("releases/app", "")
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
	assert.Equal(t, "2", v)

	_, _, err = s.Open("releases/app", "3")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = s.Open("releases/other", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upload(ctx, "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestFSStoreNestedRemotesDoNotCollide(t *testing.T) {
	s := NewFSStore(t.TempDir())
	ctx := context.Background()

	_, err := s.Upload(ctx, "a", []byte("a-one"))
	require.NoError(t, err)
	v, err := s.Upload(ctx, "a/1", []byte("nested"))
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	v, err = s.Upload(ctx, "a", []byte("a-two"))
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	versions, err := s.Versions("a")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	b, _, err := s.Open("a", "1")
	require.NoError(t, err)
	assert.Equal(t, "a-one", string(b))
	b, _, err = s.Open("a/1", "1")
	require.NoError(t, err)
	assert.Equal(t, "nested", string(b))

	_, err = s.Upload(ctx, "a/.versions/1", []byte("x"))
	assert.Error(t, err)
}

func TestMemoryStoreOpen(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Upload(context.Background(), "app", []byte("one"))
	require.NoError(t, err)
	_, err = s.Upload(context.Background(), "app", []byte("two"))
	require.NoError(t, err)

	b, v, err := s.Open("/app", "")
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))
	assert.Equal(t, "2", v)

	b, _, err = s.Open("app", "1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(b))

	_, _, err = s.Open("app", "x")
	assert.Error(t, err)
	_, _, err = s.Open("missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreConcurrentUploadsGetDistinctVersions(t *testing.T) {
	s := NewFSStore(t.TempDir())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upload(context.Background(), "app", []byte("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := s.Versions("app")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, versions)
}
