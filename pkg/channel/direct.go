package channel

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/sidkik/assetsync/pkg/errors"
)

const probeFile = ".assetsync-probe"

// Direct is a Channel that accesses the destination through a filesystem the
// process can already read and write.
type Direct struct {
	fs   afero.Fs
	root string
}

// NewDirect returns a channel for the tree at root within fs. Production
// code passes afero.NewOsFs().
func NewDirect(fs afero.Fs, root string) *Direct {
	return &Direct{
		fs:   afero.NewBasePathFs(fs, root),
		root: root,
	}
}

// Kind implements Channel.
func (d *Direct) Kind() Kind {
	return KindDirect
}

// Root implements Channel.
func (d *Direct) Root() string {
	return d.root
}

// Probe checks that the tree is writable by creating and removing a marker
// file.
func (d *Direct) Probe() error {
	if err := d.fs.MkdirAll(".", 0755); err != nil {
		return errors.WithContext(err, "make root")
	}

	if err := afero.WriteFile(d.fs, probeFile, []byte("ok"), 0644); err != nil {
		return errors.WithContext(err, "write marker")
	}

	if err := d.fs.Remove(probeFile); err != nil {
		return errors.WithContext(err, "remove marker")
	}
	return nil
}

func (d *Direct) Exists(p string) (bool, error) {
	return afero.Exists(d.fs, p)
}

func (d *Direct) Size(p string) (int64, error) {
	fi, err := d.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.FileNotFound{Path: p}
		}
		return 0, err
	}
	return fi.Size(), nil
}

func (d *Direct) Open(p string) (io.ReadCloser, error) {
	f, err := d.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: p}
		}
		return nil, err
	}
	return f, nil
}

func (d *Direct) OpenWrite(p string) (io.WriteCloser, error) {
	return d.fs.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
}

func (d *Direct) MkdirAll(p string) error {
	return d.fs.MkdirAll(p, 0755)
}

func (d *Direct) Delete(p string) error {
	if err := d.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Copy copies src to dst, preserving the file mode and modification time.
func (d *Direct) Copy(src, dst string, overwrite bool) error {
	if !overwrite {
		exists, err := afero.Exists(d.fs, dst)
		if err != nil {
			return errors.WithContext(err, "check destination")
		}
		if exists {
			return errors.New("destination %q already exists", dst)
		}
	}

	dstParent := path.Dir(dst)
	dstParentExists, err := afero.DirExists(d.fs, dstParent)
	if err != nil {
		return errors.WithContext(err, "check if parent exists")
	}

	if !dstParentExists {
		if err := d.fs.MkdirAll(dstParent, 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}
	}

	srcFile, err := d.fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer srcFile.Close()

	fileInfo, err := srcFile.Stat()
	if err != nil {
		return errors.WithContext(err, "stat")
	}

	dstFile, err := d.fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer dstFile.Close()

	if err := d.fs.Chmod(dst, fileInfo.Mode()); err != nil {
		return errors.WithContext(err, "set file mode")
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return errors.WithContext(err, "copy")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := d.fs.Chtimes(dst, time.Now(), fileInfo.ModTime()); err != nil {
		return errors.WithContext(err, "set file modtime")
	}
	return nil
}

func (d *Direct) List(dir string) ([]string, error) {
	var files []string
	err := afero.Walk(d.fs, dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if fi.Mode().IsRegular() {
			files = append(files, filepath.ToSlash(filepath.Clean(p)))
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: dir}
		}
		return nil, errors.WithContext(err, "walk")
	}
	return files, nil
}

func (d *Direct) Close() error {
	return nil
}
