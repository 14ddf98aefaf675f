package catalog

import "sort"

// Catalog maps content paths, such as "MediaResources/x/y.png", to the assets
// they describe. The namespace prefix of a key identifies the catalog it came
// from.
type Catalog map[string]Descriptor

// Entry is a single catalog item.
type Entry struct {
	Path string
	Descriptor
}

// Filter removes every path for which keep returns false.
func (c Catalog) Filter(keep func(path string) bool) (removed int) {
	for path := range c {
		if !keep(path) {
			delete(c, path)
			removed++
		}
	}
	return removed
}

// TotalSize returns the sum of the sizes of all assets in the catalog.
func (c Catalog) TotalSize() (total int64) {
	for _, desc := range c {
		total += desc.Size
	}
	return total
}

// Sorted returns the entries ordered from largest to smallest, so that big
// transfers show up early in the logs. Ties are ordered by path.
func (c Catalog) Sorted() []Entry {
	entries := make([]Entry, 0, len(c))
	for path, desc := range c {
		entries = append(entries, Entry{Path: path, Descriptor: desc})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Size != entries[j].Size {
			return entries[i].Size > entries[j].Size
		}
		return entries[i].Path < entries[j].Path
	})
	return entries
}
