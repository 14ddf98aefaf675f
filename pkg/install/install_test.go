package install

import (
	"context"
	"fmt"
	"hash/crc32"
	"strconv"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
)

func TestMapContentPath(t *testing.T) {
	tests := []struct {
		in, exp string
	}{
		{in: "Android/ui-common.bundle", exp: "AssetBundls/ui-common.bundle"},
		{in: "Android/bundleDownloadInfo.json", exp: "AssetBundls/bundleDownloadInfo.json"},
		{in: "MediaResources/Catalog/MediaCatalog.bytes", exp: "MediaPatch/Catalog/MediaCatalog.bytes"},
		{in: "MediaResources/Catalog/MediaCatalog.hash", exp: "MediaPatch/Catalog/MediaCatalog.hash"},
		{in: "MediaResources/GameData/Audio/bgm_01.ogg", exp: "MediaPatch/bgm_01.ogg"},
		{in: "TableBundles/TableCatalog.bytes", exp: "TableBundles/TableCatalog.bytes"},
		{in: "TableBundles/Excel.zip", exp: "TableBundles/Excel.zip"},
		{in: "AndroidExtra/x", exp: "AndroidExtra/x"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.in, func(t *testing.T) {
			assert.Equal(t, test.exp, MapContentPath(test.in))
		})
	}
}

func TestContentName(t *testing.T) {
	expHash := strconv.FormatUint(xxhash.Sum64String("foo.png"), 10)
	assert.Equal(t, expHash+"_2882343476", ContentName("foo.png", 0xABCD1234))

	assert.Equal(t, "thing.bundle", ContentName("thing.bundle", 0xABCD1234))
	assert.Equal(t, "TableCatalog.bytes", ContentName("TableCatalog.bytes", 1))
	assert.Equal(t, "bundleDownloadInfo.hash", ContentName("bundleDownloadInfo.hash", 1))

	assert.True(t, IsContentAddressed("foo.png"))
	assert.False(t, IsContentAddressed("thing.bundle"))
	assert.False(t, IsContentAddressed("MediaCatalog.bytes"))
}

func newTestInstaller(t *testing.T) (*Installer, afero.Fs) {
	fs := afero.NewMemMapFs()
	logger, _ := logrusTest.NewNullLogger()
	return New(channel.NewDirect(fs, "/staging"), channel.NewDirect(fs, "/dest"), logger), fs
}

func TestPlaceContentAddressed(t *testing.T) {
	installer, fs := newTestInstaller(t)
	contents := []byte("png bytes")
	require.NoError(t, afero.WriteFile(fs, "/staging/MediaResources/UI/foo.png", contents, 0644))

	placement, err := installer.Place("MediaResources/UI/foo.png", "MediaResources/UI/foo.png")
	require.NoError(t, err)

	expName := ContentName("foo.png", crc32.ChecksumIEEE(contents))
	assert.Equal(t, Placement{Path: "MediaPatch/" + expName, ContentAddressed: true}, placement)

	placed, err := afero.ReadFile(fs, "/dest/MediaPatch/"+expName)
	require.NoError(t, err)
	assert.Equal(t, contents, placed)
}

func TestPlaceKeepsName(t *testing.T) {
	installer, fs := newTestInstaller(t)
	require.NoError(t, afero.WriteFile(fs, "/staging/Android/thing.bundle", []byte("bundle"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/dest/AssetBundls/thing.bundle", []byte("old"), 0644))

	placement, err := installer.Place("Android/thing.bundle", "Android/thing.bundle")
	require.NoError(t, err)
	assert.Equal(t, Placement{Path: "AssetBundls/thing.bundle"}, placement)

	placed, err := afero.ReadFile(fs, "/dest/AssetBundls/thing.bundle")
	require.NoError(t, err)
	assert.Equal(t, "bundle", string(placed), "existing files are overwritten")
}

func TestPlaceSameFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	dest := channel.NewDirect(fs, "/dest")
	logger, _ := logrusTest.NewNullLogger()
	installer := New(dest, dest, logger)
	require.NoError(t, afero.WriteFile(fs, "/dest/TableBundles/TableCatalog.bytes", []byte("catalog"), 0644))

	placement, err := installer.Place("TableBundles/TableCatalog.bytes", "TableBundles/TableCatalog.bytes")
	require.NoError(t, err)
	assert.Equal(t, "TableBundles/TableCatalog.bytes", placement.Path)

	contents, err := afero.ReadFile(fs, "/dest/TableBundles/TableCatalog.bytes")
	require.NoError(t, err)
	assert.Equal(t, "catalog", string(contents))
}

func TestPlaceMissing(t *testing.T) {
	installer, _ := newTestInstaller(t)

	_, err := installer.Place("Android/missing.bundle", "Android/missing.bundle")
	var placementErr *errors.PlacementError
	require.True(t, errors.As(err, &placementErr), "unexpected error: %v", err)
	assert.Equal(t, "Android/missing.bundle", placementErr.Path)
	assert.Equal(t, "AssetBundls/missing.bundle", placementErr.Dest)
}

func TestDeleteOldVersions(t *testing.T) {
	installer, fs := newTestInstaller(t)
	for _, f := range []string{"H_1", "H_2", "H_3", "HX_1", "Other_1", "sub/H_4", "plain"} {
		require.NoError(t, afero.WriteFile(fs, "/dest/MediaPatch/"+f, []byte(f), 0644))
	}

	installer.DeleteOldVersions("MediaPatch/H_3")

	remaining, err := channel.NewDirect(fs, "/dest").List("MediaPatch")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"MediaPatch/H_3",
		"MediaPatch/HX_1",
		"MediaPatch/Other_1",
		"MediaPatch/sub/H_4",
		"MediaPatch/plain",
	}, remaining)

	// Names without a version suffix are left alone.
	installer.DeleteOldVersions("MediaPatch/plain")
	exists, err := afero.Exists(fs, "/dest/MediaPatch/plain")
	assert.NoError(t, err)
	assert.True(t, exists)
}

type listCountingChannel struct {
	channel.Channel

	lock  sync.Mutex
	lists map[string]int
}

func (c *listCountingChannel) List(dir string) ([]string, error) {
	c.lock.Lock()
	c.lists[dir]++
	c.lock.Unlock()
	return c.Channel.List(dir)
}

func TestDeleteOldVersionsListsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger, _ := logrusTest.NewNullLogger()
	dest := &listCountingChannel{Channel: channel.NewDirect(fs, "/dest"), lists: map[string]int{}}
	installer := New(channel.NewDirect(fs, "/staging"), dest, logger)

	// Left behind by an earlier run.
	stale := "MediaPatch/" + ContentName("asset0.png", 1)
	require.NoError(t, afero.WriteFile(fs, "/dest/"+stale, []byte("stale"), 0644))

	for i := 0; i < 50; i++ {
		staged := fmt.Sprintf("MediaResources/asset%d.png", i)
		for _, version := range []string{"v1", "v2"} {
			require.NoError(t, afero.WriteFile(fs, "/staging/"+staged, []byte(staged+version), 0644))
			placement, err := installer.Place(staged, staged)
			require.NoError(t, err)
			installer.DeleteOldVersions(placement.Path)
		}
	}
	assert.Equal(t, map[string]int{"MediaPatch": 1}, dest.lists)

	remaining, err := channel.NewDirect(fs, "/dest").List("MediaPatch")
	require.NoError(t, err)
	assert.Len(t, remaining, 50)
	assert.NotContains(t, remaining, stale)

	latest := ContentName("asset7.png", crc32.ChecksumIEEE([]byte("MediaResources/asset7.pngv2")))
	assert.Contains(t, remaining, "MediaPatch/"+latest)
}

func TestDeleteOldVersionsLogsFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	logger, hook := logrusTest.NewNullLogger()
	installer := New(channel.NewDirect(fs, "/staging"), channel.NewDirect(fs, "/dest"), logger)

	// The directory doesn't exist, so listing fails.
	installer.DeleteOldVersions("MediaPatch/H_3")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Failed to list old versions", hook.LastEntry().Message)
}

func TestReplaceAll(t *testing.T) {
	installer, fs := newTestInstaller(t)
	files := map[string]string{
		"/staging/Android/a.bundle":                          "a",
		"/staging/MediaResources/Catalog/MediaCatalog.bytes": "catalog",
		"/staging/TableBundles/Excel.zip":                    "excel",
	}
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}

	result, err := installer.ReplaceAll(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, ReplaceResult{Placed: 3}, result)

	excelName := ContentName("Excel.zip", crc32.ChecksumIEEE([]byte("excel")))
	for _, path := range []string{
		"/dest/AssetBundls/a.bundle",
		"/dest/MediaPatch/Catalog/MediaCatalog.bytes",
		"/dest/TableBundles/" + excelName,
	} {
		exists, err := afero.Exists(fs, path)
		assert.NoError(t, err)
		assert.True(t, exists, path)
	}
}
