package catalog

import "github.com/sidkik/assetsync/pkg/errors"

// Format is the encoding of a catalog file.
type Format int

const (
	// TableFormat is the binary table catalog.
	TableFormat Format = iota
	// MediaFormat is the binary media catalog.
	MediaFormat
	// ManifestFormat is the JSON bundle manifest.
	ManifestFormat
)

// Source is one of the catalogs that make up a full sync.
type Source struct {
	Name string

	// Path is the content path of the catalog file on the mirrors.
	Path string

	// HashPath is the content path of the catalog's companion hash file. It
	// is copied to the destination alongside the catalog.
	HashPath string

	Format Format
}

// Sources returns the catalogs a sync processes.
func Sources() []Source {
	return []Source{
		{
			Name:     "table",
			Path:     "TableBundles/TableCatalog.bytes",
			HashPath: "TableBundles/TableCatalog.hash",
			Format:   TableFormat,
		},
		{
			Name:     "media",
			Path:     "MediaResources/Catalog/MediaCatalog.bytes",
			HashPath: "MediaResources/Catalog/MediaCatalog.hash",
			Format:   MediaFormat,
		},
		{
			Name:     "bundle",
			Path:     "Android/bundleDownloadInfo.json",
			HashPath: "Android/bundleDownloadInfo.hash",
			Format:   ManifestFormat,
		},
	}
}

// Parse decodes data according to the source's format.
func (s Source) Parse(data []byte) (Catalog, error) {
	switch s.Format {
	case TableFormat:
		return ParseBinary(data, TableVariant)
	case MediaFormat:
		return ParseBinary(data, MediaVariant)
	case ManifestFormat:
		return ParseManifestJSON(data)
	default:
		return nil, errors.New("unknown catalog format %d", s.Format)
	}
}
