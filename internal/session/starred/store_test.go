package starred

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewStore(dir, log)
}

func TestStore_StarUnstar(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)

	require.NoError(t, s.Star("-work-demo", "S1"))
	require.NoError(t, s.Star("-work-demo", "S1"), "star is idempotent")
	assert.True(t, s.IsStarred("-work-demo", "S1"))
	assert.False(t, s.IsStarred("-work-demo", "S2"))

	require.NoError(t, s.Unstar("-work-demo", "S1"))
	assert.False(t, s.IsStarred("-work-demo", "S1"))
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir)
	require.NoError(t, s.Star("-work-a", "S1"))
	require.NoError(t, s.Star("-work-b", "S2"))

	fresh := newStore(t, dir)
	assert.True(t, fresh.IsStarred("-work-a", "S1"))
	assert.True(t, fresh.IsStarred("-work-b", "S2"))
}

func TestStore_ListFiltersByProject(t *testing.T) {
	s := newStore(t, t.TempDir())
	require.NoError(t, s.Star("-work-a", "S2"))
	require.NoError(t, s.Star("-work-a", "S1"))
	require.NoError(t, s.Star("-work-b", "S3"))

	all := s.List("")
	require.Len(t, all, 3)
	assert.Equal(t, Entry{ProjectID: "-work-a", SessionID: "S1"}, all[0], "sorted output")

	onlyA := s.List("-work-a")
	require.Len(t, onlyA, 2)
	for _, e := range onlyA {
		assert.Equal(t, "-work-a", e.ProjectID)
	}
}

func TestStore_CorruptFileReadsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "starred.json"), []byte("{not json"), 0o644))

	s := newStore(t, dir)
	assert.Empty(t, s.List(""))
	require.NoError(t, s.Star("-work-demo", "S1"), "writes recover the file")
	assert.True(t, s.IsStarred("-work-demo", "S1"))
}
