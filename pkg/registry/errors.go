package registry

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrPackageNotFound indicates the package id or version is not in the catalog
	ErrPackageNotFound = errors.New("package not found")

	// ErrAssetNotFound indicates an optional package asset (readme, icon) is absent
	ErrAssetNotFound = errors.New("package asset not found")

	// ErrBlobNotFound indicates a blob path does not exist in storage
	ErrBlobNotFound = errors.New("blob not found")

	// ErrSymbolsNotFound indicates no symbol file is stored under the requested key
	ErrSymbolsNotFound = errors.New("symbols not found")

	// ErrInvalidPackage indicates a malformed or policy-rejected package archive
	ErrInvalidPackage = errors.New("invalid package")

	// ErrInvalidSymbols indicates a malformed symbol package
	ErrInvalidSymbols = errors.New("invalid symbol package")

	// ErrPackageConflict indicates a version was re-published with different content
	ErrPackageConflict = errors.New("package version already exists with different content")

	// ErrSymbolsConflict indicates a symbol key was re-uploaded with a different file
	ErrSymbolsConflict = errors.New("symbol file already exists with different content")

	// ErrDownloadURIUnsupported indicates a blob store cannot mint direct download URLs
	ErrDownloadURIUnsupported = errors.New("direct download urls not supported")

	// ErrBackendUnavailable indicates a storage, database or search call failed
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ValidationError reports why an upload was rejected as invalid.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes validation errors match ErrInvalidPackage unless they describe a
// symbol package.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPackage && !errors.Is(e.Err, ErrInvalidSymbols)
}

func invalidPackage(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PackageError represents an error related to a package version operation
type PackageError struct {
	ID      string
	Version string
	Op      string
	Err     error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("package operation %s failed for %s %s: %v", e.Op, e.ID, e.Version, e.Err)
}

func (e *PackageError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Path    string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for path %s on backend %s: %v", e.Op, e.Path, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrBackendUnavailable &&
		!errors.Is(e.Err, ErrBlobNotFound) && !errors.Is(e.Err, ErrDownloadURIUnsupported)
}

// DatabaseError represents an error returned by a database backend
type DatabaseError struct {
	Backend string
	Op      string
	Err     error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database operation %s failed on backend %s: %v", e.Op, e.Backend, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

func (e *DatabaseError) Is(target error) bool {
	return target == ErrBackendUnavailable && !errors.Is(e.Err, ErrPackageNotFound)
}

// SearchError represents an error returned by a search backend
type SearchError struct {
	Backend string
	Op      string
	Err     error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search operation %s failed on backend %s: %v", e.Op, e.Backend, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

func (e *SearchError) Is(target error) bool {
	return target == ErrBackendUnavailable
}
