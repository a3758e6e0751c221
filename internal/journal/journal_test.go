package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/sqldb"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := sqldb.New(context.Background(), config.JournalConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "journal.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	j := New(db)
	require.NoError(t, j.Migrate(context.Background()))
	require.NoError(t, j.Migrate(context.Background()), "migrate is idempotent")
	return j
}

func TestStartFinishRecent(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	j.now = func() time.Time { return clock }

	first, err := j.Start(ctx, []string{"/home/a"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	clock = base.Add(2 * time.Second)
	first.Status = StatusOK
	first.Indexed = 3
	first.SkippedDirs = 1
	first.Generation = 4
	require.NoError(t, j.Finish(ctx, first))

	clock = base.Add(time.Minute)
	second, err := j.Start(ctx, []string{"/home/b", "/srv"})
	require.NoError(t, err)

	runs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, StatusRunning, runs[0].Status)
	assert.Equal(t, []string{"/home/b", "/srv"}, runs[0].Roots)
	assert.Zero(t, runs[0].Elapsed())

	assert.Equal(t, first.ID, runs[1].ID)
	assert.Equal(t, StatusOK, runs[1].Status)
	assert.Equal(t, 3, runs[1].Indexed)
	assert.Equal(t, 1, runs[1].SkippedDirs)
	assert.Equal(t, uint64(4), runs[1].Generation)
	assert.Equal(t, 2*time.Second, runs[1].Elapsed())
}

func TestRecentLimit(t *testing.T) {
	j := openJournal(t)
	for i := 0; i < 3; i++ {
		_, err := j.Start(context.Background(), []string{"/r"})
		require.NoError(t, err)
	}
	runs, err := j.Recent(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
