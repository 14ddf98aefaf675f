package install

import (
	"path"
	"sync"
)

// versionIndex tracks the versions of the content addressed files in each
// destination directory. A directory is listed the first time old versions
// are looked up in it. After that, the index is kept up to date by the
// installer's own placements and deletions.
type versionIndex struct {
	lock sync.Mutex
	dirs map[string]*versionDir
}

type versionDir struct {
	lock   sync.Mutex
	listed bool

	// byPrefix maps a version prefix to the names of the files that share it.
	byPrefix map[string]map[string]struct{}
}

func newVersionIndex() *versionIndex {
	return &versionIndex{dirs: map[string]*versionDir{}}
}

func (idx *versionIndex) dir(dir string) *versionDir {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	d, ok := idx.dirs[dir]
	if !ok {
		d = &versionDir{byPrefix: map[string]map[string]struct{}{}}
		idx.dirs[dir] = d
	}
	return d
}

// record notes that the file at p exists.
func (idx *versionIndex) record(p string) {
	d := idx.dir(path.Dir(p))
	d.lock.Lock()
	d.add(path.Base(p))
	d.lock.Unlock()
}

// The caller must hold d.lock.
func (d *versionDir) add(name string) {
	prefix, ok := versionPrefix(name)
	if !ok {
		return
	}

	names, ok := d.byPrefix[prefix]
	if !ok {
		names = map[string]struct{}{}
		d.byPrefix[prefix] = names
	}
	names[name] = struct{}{}
}

// takeOthers removes and returns the names that share name's prefix, other
// than name itself. The caller must hold d.lock.
func (d *versionDir) takeOthers(prefix, name string) []string {
	var others []string
	for other := range d.byPrefix[prefix] {
		if other != name {
			others = append(others, other)
			delete(d.byPrefix[prefix], other)
		}
	}
	return others
}
