package store

import (
	"context"
	"errors"
	"fmt"
)

// BulkDeleteBatch is the number of deletions issued per batch by BulkDelete.
const BulkDeleteBatch = 100

// ResolvePath walks segments below parentID folder by folder and returns the
// id of the last one. Missing folders are created when create is true,
// otherwise ErrNotFound is returned.
func ResolvePath(ctx context.Context, r Remote, parentID string, segments []string, create bool) (string, error) {
	current := parentID
	for i, name := range segments {
		if name == "" {
			return "", fmt.Errorf("%w: empty segment at position %d", ErrInvalidName, i)
		}

		children, err := r.ListChildren(ctx, current)
		if err != nil {
			return "", fmt.Errorf("failed to list %s: %w", current, err)
		}

		next := ""
		for _, c := range children {
			if c.IsDir && c.Name == name {
				next = c.ID
				break
			}
		}

		if next == "" {
			if !create {
				return "", fmt.Errorf("%w: folder %q", ErrNotFound, name)
			}
			next, err = r.CreateDirectory(ctx, name, current)
			if err != nil {
				return "", fmt.Errorf("failed to create folder %q: %w", name, err)
			}
		}
		current = next
	}
	return current, nil
}

// ClearFolder permanently deletes every child of id and returns how many
// were removed.
func ClearFolder(ctx context.Context, r Remote, id string) (int, error) {
	children, err := r.ListChildren(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to list folder: %w", err)
	}

	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	return BulkDelete(ctx, r, ids)
}

// BulkDelete permanently deletes ids in batches, continuing past individual
// failures. It returns the number deleted and the joined errors.
func BulkDelete(ctx context.Context, r Remote, ids []string) (int, error) {
	deleted := 0
	var errs []error

	for start := 0; start < len(ids); start += BulkDeleteBatch {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		end := min(start+BulkDeleteBatch, len(ids))
		for _, id := range ids[start:end] {
			if err := r.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", id, err))
				continue
			}
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

// MoveContents moves every child of srcID under dstID.
func MoveContents(ctx context.Context, r Remote, a Admin, srcID, dstID string) (int, error) {
	children, err := r.ListChildren(ctx, srcID)
	if err != nil {
		return 0, fmt.Errorf("failed to list source folder: %w", err)
	}

	moved := 0
	for _, c := range children {
		if err := a.Move(ctx, c.ID, dstID); err != nil {
			return moved, fmt.Errorf("failed to move %s: %w", c.Name, err)
		}
		moved++
	}
	return moved, nil
}
