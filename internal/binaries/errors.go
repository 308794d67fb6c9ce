package binaries

import (
	"errors"
	"fmt"
)

// Common errors returned by resolver operations
var (
	// ErrVersionLookup indicates the release index is unreachable and no
	// cached version exists
	ErrVersionLookup = errors.New("binaries: version lookup failed and no cache exists")

	// ErrNotInstalled indicates no version of the binary is installed
	ErrNotInstalled = errors.New("binaries: not installed")

	// ErrNoAsset indicates the release has no asset for this platform
	ErrNoAsset = errors.New("binaries: no asset for platform")
)

// DownloadError reports a network failure while fetching an asset.
type DownloadError struct {
	// Binary is the logical name being fetched
	Binary Binary
	// URL is the asset location
	URL string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *DownloadError) Error() string {
	return fmt.Sprintf("binaries: downloading %s from %q: %v", e.Binary, e.URL, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ChecksumError reports an integrity failure of a downloaded archive.
type ChecksumError struct {
	// Binary is the logical name being fetched
	Binary Binary
	// Want is the expected hex checksum
	Want string
	// Got is the computed hex checksum
	Got string
}

// Error returns a formatted error message
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("binaries: checksum mismatch for %s: want %s, got %s", e.Binary, e.Want, e.Got)
}

// InstallError reports a filesystem failure while installing a verified
// archive.
type InstallError struct {
	// Binary is the logical name being installed
	Binary Binary
	// Path is the filesystem path involved
	Path string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *InstallError) Error() string {
	return fmt.Sprintf("binaries: installing %s at %q: %v", e.Binary, e.Path, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *InstallError) Unwrap() error {
	return e.Err
}
