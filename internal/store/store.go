// Package store defines the collaborators the sync engine talks to: a remote
// hierarchical object store and its administrative surface.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when an object id does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUnsupported is returned by backends that cannot perform an operation.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidName is returned for names the backend cannot represent.
	ErrInvalidName = errors.New("invalid object name")
)

// Entry is one child returned by a listing.
type Entry struct {
	ID    string
	Name  string
	IsDir bool
	Size  int64
}

// Permission is an access grant on an object.
type Permission struct {
	ID           string
	Type         string // user, group, domain, anyone
	Role         string // reader, commenter, writer, owner
	EmailAddress string
}

// ProgressFunc receives the number of bytes transferred so far and the total,
// which is -1 when unknown.
type ProgressFunc func(done, total int64)

// Remote is the hierarchical object store the engine reconciles against.
type Remote interface {
	// ListChildren returns every child of parentID, exhausting pagination.
	ListChildren(ctx context.Context, parentID string) ([]Entry, error)
	CreateDirectory(ctx context.Context, name, parentID string) (string, error)
	Upload(ctx context.Context, name, parentID string, r io.Reader, size int64, progress ProgressFunc) (string, error)
	Download(ctx context.Context, id string, w io.Writer, progress ProgressFunc) error
	// Trash moves id to a recoverable location.
	Trash(ctx context.Context, id string) error
	// Delete removes id permanently.
	Delete(ctx context.Context, id string) error
}

// Admin is the administrative surface exposed at the CLI boundary.
type Admin interface {
	ListTrash(ctx context.Context) ([]Entry, error)
	EmptyTrash(ctx context.Context) error
	Grant(ctx context.Context, id string, p Permission) (Permission, error)
	ListPermissions(ctx context.Context, id string) ([]Permission, error)
	DropPermission(ctx context.Context, id, permissionID string) error
	ListShared(ctx context.Context) ([]Entry, error)
	Move(ctx context.Context, id, newParentID string) error
}

// Backend is a store that implements both surfaces.
type Backend interface {
	Remote
	Admin
}

// StoreError wraps a failure reported by a store backend.
type StoreError struct {
	Store string
	Op    string
	Path  string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s.%s %s: %v", e.Store, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewError builds a StoreError.
func NewError(store, op, path string, err error) *StoreError {
	return &StoreError{Store: store, Op: op, Path: path, Err: err}
}
