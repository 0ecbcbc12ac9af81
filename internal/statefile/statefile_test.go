package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, Write(path, doc{Name: "daemon", Count: 3}))

	var got doc
	require.NoError(t, Read(path, &got))
	assert.Equal(t, doc{Name: "daemon", Count: 3}, got)
}

func TestReadMissing(t *testing.T) {
	var got doc
	err := Read(filepath.Join(t.TempDir(), "missing.json"), &got)
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var got doc
	err := Read(path, &got)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotExist))
}

func TestWriteReplacesWholeDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, Write(path, map[string]any{"a": 1, "b": 2}))
	require.NoError(t, Write(path, map[string]any{"a": 5}))

	var got map[string]any
	require.NoError(t, Read(path, &got))
	assert.Equal(t, map[string]any{"a": float64(5)}, got)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = Write(path, doc{Count: n})
		}(i)
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}

	var got doc
	require.NoError(t, Read(path, &got))
}
