package runstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockci/internal/core"
	"blockci/internal/trigger"
)

func record(id, job string, status core.JobStatus, started time.Time) *core.RunRecord {
	return &core.RunRecord{
		ID:         id,
		Pipeline:   "p",
		Job:        job,
		Event:      trigger.Event{Kind: trigger.EventPush, Ref: "v1"},
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Containers: []core.ContainerRecord{{Name: "build", Status: core.ContainerSucceeded, Output: "ok"}},
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	memSQLite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	out := map[string]Store{
		"memory":        NewMemoryStore(),
		"sqlite":        sqlite,
		"sqlite-memory": memSQLite,
	}
	if dsn := os.Getenv("BLOCKCI_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		_, err = pg.db.Exec("DELETE FROM runs")
		require.NoError(t, err)
		out["postgres"] = pg
	}
	for _, s := range out {
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func TestStoreContract(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			require.NoError(t, s.SaveRun(ctx, record("a", "build", core.StatusSucceeded, base)))
			require.NoError(t, s.SaveRun(ctx, record("b", "build", core.StatusFailed, base.Add(time.Minute))))
			require.NoError(t, s.SaveRun(ctx, record("c", "deploy", core.StatusSucceeded, base.Add(2*time.Minute))))

			got, err := s.GetRun(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, core.StatusFailed, got.Status)
			assert.Equal(t, "v1", got.Event.Ref)
			require.Len(t, got.Containers, 1)
			assert.Equal(t, "ok", got.Containers[0].Output)

			_, err = s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := s.ListRuns(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

			builds, err := s.ListRuns(ctx, Query{Job: "build"})
			require.NoError(t, err)
			assert.Len(t, builds, 2)

			failed, err := s.ListRuns(ctx, Query{Status: core.StatusFailed})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "b", failed[0].ID)
			assert.True(t, failed[0].StartedAt.Equal(base.Add(time.Minute)))

			limited, err := s.ListRuns(ctx, Query{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			// saving again replaces the record
			updated := record("a", "build", core.StatusFailed, base)
			updated.Reason = core.ReasonCanceled
			require.NoError(t, s.SaveRun(ctx, updated))
			got, err = s.GetRun(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, core.StatusFailed, got.Status)
			assert.Equal(t, core.ReasonCanceled, got.Reason)
		})
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRun(t.Context(), record("x", "build", core.StatusSucceeded, time.Now())))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.GetRun(t.Context(), "x")
	require.NoError(t, err)
	assert.Equal(t, "build", got.Job)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM runs WHERE job = ? AND status = ? LIMIT ?"
	assert.Equal(t, q, rebind(q, false))
	assert.Equal(t, "SELECT * FROM runs WHERE job = $1 AND status = $2 LIMIT $3", rebind(q, true))
}
