package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quizgrid/quizgrid/internal/storage"
)

func TestFileStore_PutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := storage.Open(path)
	require.NoError(t, err)

	require.Empty(t, s.GetList(storage.SectionUsers))
	require.Empty(t, s.GetMap(storage.SectionScores))

	err = s.Put(storage.SectionUsers, []map[string]any{
		{"username": "alice", "hash": "h1"},
	})
	require.NoError(t, err)

	err = s.Put(storage.SectionScores, map[string]any{"alice": 42})
	require.NoError(t, err)

	users := s.GetList(storage.SectionUsers)
	require.Len(t, users, 1)
	require.Equal(t, "alice", storage.ToString(users[0]["username"], ""))

	require.Equal(t, 42, storage.ToInt(s.GetMap(storage.SectionScores)["alice"], 0))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(storage.SectionScores, map[string]any{"alice": 42}))
	require.NoError(t, s.PutPartition("partition_0-49", map[string]any{"bob": 7}))

	reopened, err := storage.Open(path)
	require.NoError(t, err)

	require.Equal(t, 42, storage.ToInt(reopened.GetMap(storage.SectionScores)["alice"], 0))

	part, ok := reopened.GetMap(storage.SectionPartitions)["partition_0-49"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 7, storage.ToInt(part["bob"], 0))
}

func TestFileStore_PutPreservesOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(storage.SectionScores, map[string]any{"alice": 42}))
	require.NoError(t, s.Put(storage.SectionUsers, []map[string]any{{"username": "bob", "hash": "h"}}))

	// The second write must not clobber the first section.
	require.Equal(t, 42, storage.ToInt(s.GetMap(storage.SectionScores)["alice"], 0))
}

func TestFileStore_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()

	s, err := storage.Open(filepath.Join(dir, "data.json"))
	require.NoError(t, err)
	require.NoError(t, s.Put(storage.SectionScores, map[string]any{"alice": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the atomic rename must not leave temp files")
}

func TestCoercers(t *testing.T) {
	require.Equal(t, 3, storage.ToInt(float64(3), 0))
	require.Equal(t, 3, storage.ToInt(3, 0))
	require.Equal(t, 9, storage.ToInt("not a number", 9))

	require.Equal(t, "x", storage.ToString("x", ""))
	require.Equal(t, "d", storage.ToString(3, "d"))

	require.True(t, storage.ToBool(true, false))
	require.True(t, storage.ToBool("yes", true))
}
