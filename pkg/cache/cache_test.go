package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogCRC(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store := New(dir)

	_, ok, err := store.CatalogCRC("table")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetCatalogCRC("table", 0xABCD1234))
	crc, ok, err := store.CatalogCRC("table")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xABCD1234), crc)

	// A new store over the same directory sees the value.
	crc, ok, err = New(dir).CatalogCRC("table")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xABCD1234), crc)

	require.NoError(t, store.ForgetCatalog("table"))
	require.NoError(t, store.ForgetCatalog("table"))
	_, ok, err = store.CatalogCRC("table")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogCRCCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, catalogKeyPrefix+"media"), []byte("garbage"), 0600))

	_, ok, err := New(dir).CatalogCRC("media")
	assert.Error(t, err)
	assert.False(t, ok)
}
