package catalog

import (
	"encoding/json"

	"github.com/sidkik/assetsync/pkg/errors"
)

const bundlePrefix = "Android/"

type bundleManifest struct {
	BundleFiles *[]bundleFile `json:"BundleFiles"`
}

type bundleFile struct {
	Name            string `json:"Name"`
	Size            int64  `json:"Size"`
	Crc             int64  `json:"Crc"`
	IsSplitDownload bool   `json:"IsSplitDownload"`
}

// ParseManifestJSON decodes the bundle download manifest.
func ParseManifestJSON(data []byte) (Catalog, error) {
	var manifest bundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &errors.MalformedCatalogError{
			Catalog: "bundle manifest",
			Offset:  jsonErrorOffset(err),
			Reason:  err.Error(),
		}
	}

	if manifest.BundleFiles == nil {
		return nil, &errors.MalformedCatalogError{
			Catalog: "bundle manifest",
			Reason:  "missing BundleFiles array",
		}
	}

	c := Catalog{}
	for _, f := range *manifest.BundleFiles {
		c[bundlePrefix+f.Name] = Descriptor{
			Name:  f.Name,
			Size:  f.Size,
			CRC:   f.Crc,
			Split: f.IsSplitDownload,
		}
	}
	return c, nil
}

func jsonErrorOffset(err error) int {
	switch err := err.(type) {
	case *json.SyntaxError:
		return int(err.Offset)
	case *json.UnmarshalTypeError:
		return int(err.Offset)
	default:
		return 0
	}
}
