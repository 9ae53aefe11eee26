package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestFileStore_SaveLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	assert.NoError(t, err)

	in := sample{Name: "tank1", Value: 42}
	assert.NoError(t, store.Save("config.json", in))

	var out sample
	ok, err := store.Load("config.json", &out)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	assert.NoError(t, err)

	var out sample
	ok, err := store.Load("absent.json", &out)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_LoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	assert.NoError(t, err)

	assert.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{oops"), 0o600))

	var out sample
	_, err = store.Load("bad.json", &out)
	assert.Error(t, err)
}

func TestFileStore_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	assert.NoError(t, err)

	assert.NoError(t, store.Save("config.json", sample{Name: "x"}))

	_, err = os.Stat(filepath.Join(dir, "config.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}
