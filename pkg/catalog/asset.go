package catalog

import (
	"hash/crc32"
	"io"
)

// Descriptor describes a single asset listed in a catalog. Descriptors are
// never modified after parsing.
type Descriptor struct {
	// Name is the file name recorded in the catalog. It's used to derive the
	// content-addressed name of the installed file.
	Name string

	Size int64

	// CRC is the CRC-32 (IEEE) of the file contents. Catalogs store it as a
	// signed 64 bit integer, so we keep it that way to allow the Empty
	// sentinel.
	CRC int64

	Split bool
}

// Empty is the descriptor for files that are not integrity checked, such as
// the catalogs themselves. Their validity is judged by whether they parse.
var Empty = Descriptor{Name: "empty", Size: -1, CRC: -1}

// IsEmpty returns whether d is the Empty sentinel.
func (d Descriptor) IsEmpty() bool {
	return d.Size == -1 && d.CRC == -1
}

// Matches returns whether a file with the given checksum and size satisfies
// the descriptor. The file name isn't part of the check since installed
// files are renamed.
func (d Descriptor) Matches(crc uint32, size int64) bool {
	if d.IsEmpty() {
		return true
	}
	return int64(crc) == d.CRC && size == d.Size
}

// Checksum reads r to the end and returns the CRC-32 and length of its
// contents.
func Checksum(r io.Reader) (uint32, int64, error) {
	hash := crc32.NewIEEE()
	n, err := io.Copy(hash, r)
	if err != nil {
		return 0, n, err
	}
	return hash.Sum32(), n, nil
}
