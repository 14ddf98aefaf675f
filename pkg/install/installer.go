package install

import (
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/pkg/catalog"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Placement describes where a file was installed.
type Placement struct {
	// Path is relative to the destination root.
	Path string

	// ContentAddressed is true if the file was renamed after its contents,
	// in which case older versions of it may exist next to it.
	ContentAddressed bool
}

// Installer places staged files into the destination tree.
type Installer struct {
	staging channel.Channel
	dest    channel.Channel
	log     logrus.FieldLogger

	versions *versionIndex
}

// New returns an installer that copies from staging into dest.
func New(staging, dest channel.Channel, log logrus.FieldLogger) *Installer {
	return &Installer{staging: staging, dest: dest, log: log, versions: newVersionIndex()}
}

// Place installs the staged file for contentPath. If the staging store and
// the destination are the same file, nothing is copied.
func (in *Installer) Place(staged, contentPath string) (Placement, error) {
	mapped := MapContentPath(contentPath)
	base := path.Base(staged)
	placement := Placement{Path: mapped, ContentAddressed: IsContentAddressed(base)}

	fail := func(err error) (Placement, error) {
		return placement, &errors.PlacementError{Path: staged, Dest: placement.Path, Err: err}
	}

	if placement.ContentAddressed {
		crc, err := in.checksum(staged)
		if err != nil {
			return fail(errors.WithContext(err, "checksum"))
		}
		placement.Path = path.Join(path.Dir(mapped), ContentName(base, crc))
	}

	if path.Join(in.staging.Root(), staged) != path.Join(in.dest.Root(), placement.Path) {
		if err := in.dest.MkdirAll(path.Dir(placement.Path)); err != nil {
			return fail(errors.WithContext(err, "make parent"))
		}

		if err := in.copy(staged, placement.Path); err != nil {
			return fail(err)
		}
	}

	if placement.ContentAddressed {
		in.versions.record(placement.Path)
	}
	return placement, nil
}

func (in *Installer) checksum(staged string) (uint32, error) {
	f, err := in.staging.Open(staged)
	if err != nil {
		return 0, err
	}

	crc, _, err := catalog.Checksum(f)
	closeErr := f.Close()
	if err != nil {
		return 0, err
	}
	return crc, closeErr
}

func (in *Installer) copy(staged, dst string) error {
	src, err := in.staging.Open(staged)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer src.Close()

	out, err := in.dest.OpenWrite(dst)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.WithContext(err, "copy")
	}

	if err := out.Close(); err != nil {
		return errors.WithContext(err, "close destination")
	}
	return nil
}

// DeleteOldVersions removes the files next to placed that are other versions
// of the same asset, i.e. that share its name up to the last underscore.
// Failures are logged rather than returned, since the new version is already
// in place.
//
// Each directory is only listed once per Installer.
func (in *Installer) DeleteOldVersions(placed string) {
	dir, name := path.Split(placed)
	dir = path.Clean(dir)
	prefix, ok := versionPrefix(name)
	if !ok {
		return
	}

	versions := in.versions.dir(dir)
	versions.lock.Lock()
	if !versions.listed {
		siblings, err := in.dest.List(dir)
		if err != nil {
			versions.lock.Unlock()
			in.log.WithError(err).WithField("dir", dir).Warn("Failed to list old versions")
			return
		}

		for _, sibling := range siblings {
			// List is recursive, so skip files in subdirectories.
			if path.Dir(sibling) == dir {
				versions.add(path.Base(sibling))
			}
		}
		versions.listed = true
	}
	versions.add(name)
	old := versions.takeOthers(prefix, name)
	versions.lock.Unlock()
	sort.Strings(old)

	var removed []string
	for _, oldName := range old {
		oldPath := path.Join(dir, oldName)
		if err := in.dest.Delete(oldPath); err != nil {
			in.log.WithError(err).WithField("path", oldPath).Warn("Failed to delete old version")
			in.versions.record(oldPath)
			continue
		}
		removed = append(removed, oldPath)
	}

	if len(removed) > 0 {
		in.log.WithField("removed", truncateSlice(removed, 5)).
			WithField("current", placed).
			Debug("Deleted old versions")
	}
}

func truncateSlice(slc []string, length int) []string {
	if len(slc) <= length {
		return slc
	}
	msg := fmt.Sprintf("... %d more ...", len(slc)-length)
	return append(slc[:length], msg)
}
