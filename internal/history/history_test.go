package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniprox/omniprox/pkg/api"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.RecordBatch(ctx, &api.BatchReport{
		Provider: "cloudflare", Profile: "default",
		TargetURL: "https://example.local",
		Requested: 3, Succeeded: 2, Failed: 1,
		State: api.BatchPartialFailure,
	}))
	require.NoError(t, s.RecordCleanup(ctx, "cloudflare", "default", 2, 0))
	require.NoError(t, s.RecordRotation(ctx, &api.RotationReport{
		Provider: "azure", Profile: "default",
		Requested: 3, Responded: 3, UniqueEgress: 2,
		Verdict: api.RotationConfirmed,
	}))

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, "rotate", entries[0].Operation)
	assert.Equal(t, "cleanup", entries[1].Operation)
	assert.Equal(t, "create", entries[2].Operation)

	assert.Equal(t, "azure", entries[0].Provider)
	assert.Contains(t, entries[0].Detail, "rotation_confirmed")
	assert.Equal(t, 2, entries[1].Succeeded)
	assert.Contains(t, entries[2].Detail, "target=https://example.local")
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestRecentLimit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCleanup(ctx, "gcp", "default", 1, 0))
	}

	entries, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5, "non-positive limit falls back to the default")
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordCleanup(ctx, "alibaba", "prod", 4, 1))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alibaba", entries[0].Provider)
	assert.Equal(t, 5, entries[0].Requested)
}
