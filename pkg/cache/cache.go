// Package cache persists state between runs. Nothing in it is required for
// correctness: a missing or unreadable cache only means more work.
package cache

import (
	"strconv"
	"strings"

	"github.com/peterbourgon/diskv"

	"github.com/sidkik/assetsync/pkg/errors"
)

const catalogKeyPrefix = "catalog-crc-"

// Store is a small key value store on disk.
type Store struct {
	disk *diskv.Diskv
}

// New returns a store rooted at dir. The directory is created on the first
// write.
func New(dir string) *Store {
	return &Store{
		disk: diskv.New(diskv.Options{
			BasePath:     dir,
			Transform:    func(string) []string { return nil },
			CacheSizeMax: 64 * 1024,
		}),
	}
}

// CatalogCRC returns the checksum recorded for the named catalog by the last
// successful run.
func (s *Store) CatalogCRC(name string) (uint32, bool, error) {
	key := catalogKeyPrefix + name
	if !s.disk.Has(key) {
		return 0, false, nil
	}

	val, err := s.disk.Read(key)
	if err != nil {
		return 0, false, errors.WithContext(err, "read")
	}

	crc, err := strconv.ParseUint(strings.TrimSpace(string(val)), 10, 32)
	if err != nil {
		return 0, false, errors.WithContext(err, "parse")
	}
	return uint32(crc), true, nil
}

// SetCatalogCRC records the checksum of the named catalog.
func (s *Store) SetCatalogCRC(name string, crc uint32) error {
	val := strconv.FormatUint(uint64(crc), 10)
	return s.disk.Write(catalogKeyPrefix+name, []byte(val))
}

// ForgetCatalog removes the checksum recorded for the named catalog, so that
// its assets are enumerated on the next run.
func (s *Store) ForgetCatalog(name string) error {
	key := catalogKeyPrefix + name
	if !s.disk.Has(key) {
		return nil
	}
	return s.disk.Erase(key)
}
