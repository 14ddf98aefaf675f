// Package install moves verified files from the staging store into the layout
// the game expects, and prunes the versions they replace.
package install

import (
	"path"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// layoutRule relocates every content path under From into the directory To.
// Only the base name of the content path is kept.
type layoutRule struct {
	From string
	To   string

	// Subdirs route base names with a given prefix to a different directory.
	Subdirs map[string]string
}

var layout = []layoutRule{
	{From: "Android", To: "AssetBundls"},
	{
		From:    "MediaResources",
		To:      "MediaPatch",
		Subdirs: map[string]string{"MediaCatalog": "MediaPatch/Catalog"},
	},
}

// staticNames are the files the game looks up by name, so they're never
// renamed.
var staticNames = map[string]struct{}{
	"TableCatalog.bytes":      {},
	"MediaCatalog.bytes":      {},
	"bundleDownloadInfo.json": {},
	"TableCatalog.hash":       {},
	"MediaCatalog.hash":       {},
	"bundleDownloadInfo.hash": {},
}

// MapContentPath returns the destination path, relative to the destination
// root, for a content path. Paths that no rule applies to are unchanged.
func MapContentPath(contentPath string) string {
	base := path.Base(contentPath)
	for _, rule := range layout {
		if !strings.HasPrefix(contentPath, rule.From+"/") {
			continue
		}

		for prefix, dir := range rule.Subdirs {
			if strings.HasPrefix(base, prefix) {
				return path.Join(dir, base)
			}
		}
		return path.Join(rule.To, base)
	}
	return contentPath
}

// IsContentAddressed returns whether files with the given base name are
// renamed after their contents when installed.
func IsContentAddressed(base string) bool {
	if strings.HasSuffix(base, ".bundle") {
		return false
	}
	_, static := staticNames[base]
	return !static
}

// ContentName returns the name a file is installed under. Content addressed
// names are the xxhash64 of the original name and the CRC-32 of the file,
// both in unsigned decimal, joined by an underscore.
func ContentName(base string, crc uint32) string {
	if !IsContentAddressed(base) {
		return base
	}
	return strconv.FormatUint(xxhash.Sum64String(base), 10) + "_" +
		strconv.FormatUint(uint64(crc), 10)
}

// versionPrefix returns the part of a content addressed name that identifies
// the logical asset, and false if the name has none.
func versionPrefix(name string) (string, bool) {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return "", false
	}
	return name[:i], true
}
