// Package channel provides file access to the destination tree. The tree is
// owned by another application, so depending on the device it may be
// reachable directly, through a companion proxy, through a privileged broker
// daemon, or only from a root shell. Each of those is an adapter satisfying
// Channel, and exactly one is selected before a sync starts.
package channel

import (
	"io"
	"path"
	"strings"

	"github.com/sidkik/assetsync/pkg/errors"
)

// Kind identifies a Channel implementation.
type Kind string

const (
	// KindDirect accesses the destination through the local filesystem.
	KindDirect Kind = "direct"
	// KindProxy accesses the destination through the companion file proxy.
	KindProxy Kind = "proxy"
	// KindBroker accesses the destination through the broker daemon.
	KindBroker Kind = "broker"
	// KindRoot accesses the destination through a superuser shell.
	KindRoot Kind = "root"
)

// Channel is the set of file primitives the sync needs. All paths are
// slash-separated and relative to Root. Implementations must be safe for
// concurrent use.
type Channel interface {
	Kind() Kind

	// Root is the absolute path of the tree the channel is rooted at.
	Root() string

	Exists(path string) (bool, error)
	Size(path string) (int64, error)
	Open(path string) (io.ReadCloser, error)

	// OpenWrite creates or truncates the file. The parent directory must
	// exist. Errors that happen while the data is flushed are returned by
	// Close.
	OpenWrite(path string) (io.WriteCloser, error)

	MkdirAll(path string) error

	// Delete removes a file. Deleting a file that doesn't exist isn't an
	// error.
	Delete(path string) error

	Copy(src, dst string, overwrite bool) error

	// List returns the paths of all regular files under the given directory,
	// recursively, relative to Root.
	List(dir string) ([]string, error)

	Close() error
}

// ReadFile reads the whole file at path.
func ReadFile(ch Channel, path string) ([]byte, error) {
	f, err := ch.Open(path)
	if err != nil {
		return nil, errors.WithContext(err, "open")
	}

	data, err := io.ReadAll(f)

	// Closing reports failures of stream backed channels, such as the exit
	// status of a shell.
	closeErr := f.Close()
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}
	if closeErr != nil {
		return nil, errors.WithContext(closeErr, "close")
	}
	return data, nil
}

// WriteFile creates the file's directory and writes data to it.
func WriteFile(ch Channel, p string, data []byte) error {
	if err := ch.MkdirAll(path.Dir(p)); err != nil {
		return errors.WithContext(err, "make parent")
	}

	f, err := ch.OpenWrite(p)
	if err != nil {
		return errors.WithContext(err, "open")
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.WithContext(err, "write")
	}
	return f.Close()
}

// Clean normalizes p into a root relative path. It returns an error if the
// path escapes the root.
func Clean(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if escapes(p) {
		return "", errors.New("path %q escapes the root", p)
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" {
		return ".", nil
	}
	return cleaned, nil
}

func escapes(p string) bool {
	depth := 0
	for _, elem := range strings.Split(p, "/") {
		switch elem {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}
