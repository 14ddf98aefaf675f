package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ErrRunInProgress is returned when a sync is requested while another one is
// still running.
var ErrRunInProgress = New("a sync is already in progress")

// ErrDisconnected is returned by channels whose connection to the process
// serving them was lost.
var ErrDisconnected = New("channel disconnected")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// MalformedCatalogError is returned when a catalog can't be decoded. It's
// fatal to the catalog, but not to the other catalogs in the run.
type MalformedCatalogError struct {
	Catalog string
	Offset  int
	Reason  string
}

func (err *MalformedCatalogError) Error() string {
	return fmt.Sprintf("malformed catalog %s at offset %d: %s",
		err.Catalog, err.Offset, err.Reason)
}

// IntegrityMismatchError is returned when a downloaded file doesn't match the
// size and checksum advertised by its catalog.
type IntegrityMismatchError struct {
	Path       string
	URL        string
	ExpCRC     int64
	ActualCRC  int64
	ExpSize    int64
	ActualSize int64
}

func (err *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s from %s: "+
		"expected crc %d and size %d, got crc %d and size %d",
		err.Path, err.URL, err.ExpCRC, err.ExpSize, err.ActualCRC, err.ActualSize)
}

// TransportError is a network level failure: the request couldn't be made,
// timed out, or the server responded with a non-success status.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (err *TransportError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("GET %s: unexpected status %d", err.URL, err.StatusCode)
	}
	return fmt.Sprintf("GET %s: %s", err.URL, err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// PrivilegedChannelUnavailableError is returned when none of the channels to
// the destination tree could be established. No sync may start without one.
type PrivilegedChannelUnavailableError struct {
	// Rejected maps each candidate channel to why it couldn't be used.
	Rejected map[string]string
}

func (err *PrivilegedChannelUnavailableError) Error() string {
	var reasons []string
	for kind, reason := range err.Rejected {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", kind, reason))
	}
	sort.Strings(reasons)
	return "no privileged channel available: " + strings.Join(reasons, ", ")
}

func (err *PrivilegedChannelUnavailableError) FriendlyMessage() string {
	return "The destination directory can't be accessed.\n" +
		"Grant direct access, start the proxy or broker, or make a root " +
		"shell available, then try again.\n\n" + err.Error()
}

// PlacementError is returned when a verified file couldn't be written into
// the destination tree. It aborts that asset only.
type PlacementError struct {
	Path string
	Dest string
	Err  error
}

func (err *PlacementError) Error() string {
	return fmt.Sprintf("place %s at %s: %s", err.Path, err.Dest, err.Err)
}

func (err *PlacementError) Unwrap() error {
	return err.Err
}
