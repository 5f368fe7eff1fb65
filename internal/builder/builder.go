// Package builder populates trees from the local filesystem and the remote store.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/store/local"
	"github.com/mko/gloader/internal/tree"
)

// Options tunes both builders.
type Options struct {
	Ignore *Ignore
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

type remoteItem struct {
	path []string
	id   string
}

// BuildRemote adds rootName (carrying rootID) and everything below it to t,
// issuing one ListChildren call per directory.
func BuildRemote(ctx context.Context, r store.Remote, t *tree.Tree, rootName, rootID string, opts Options) error {
	logger := opts.logger()

	if _, err := t.Add([]string{rootName}, rootID, true, 0); err != nil {
		return fmt.Errorf("failed to add remote root: %w", err)
	}

	queue := []remoteItem{{path: []string{rootName}, id: rootID}}
	dirs, files := 0, 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := queue[0]
		queue = queue[1:]

		entries, err := r.ListChildren(ctx, item.id)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", tree.JoinPath(item.path), err)
		}

		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			childPath := append(append([]string(nil), item.path...), e.Name)
			rel := tree.JoinPath(childPath[1:])

			if !localName(e.Name) {
				logger.Warn("remote name cannot be used as a local name, skipping", "path", rel, "id", e.ID)
				continue
			}
			if opts.Ignore.Match(rel, e.IsDir) {
				logger.Debug("ignoring remote entry", "path", rel)
				continue
			}
			if seen[e.Name] {
				logger.Warn("duplicate remote name, keeping the first entry", "path", rel, "id", e.ID)
				continue
			}
			seen[e.Name] = true

			if _, err := t.Add(childPath, e.ID, e.IsDir, e.Size); err != nil {
				if errors.Is(err, tree.ErrDuplicateID) || errors.Is(err, tree.ErrInvalidPath) {
					logger.Warn("skipping remote entry", "path", rel, "id", e.ID, "error", err)
					continue
				}
				return fmt.Errorf("failed to add %s: %w", rel, err)
			}

			if e.IsDir {
				dirs++
				queue = append(queue, remoteItem{path: childPath, id: e.ID})
			} else {
				files++
			}
		}
	}

	logger.Debug("remote tree built", "root", rootName, "dirs", dirs, "files", files)
	return nil
}

// localName reports whether a remote name maps to exactly one local path
// segment. Drive allows "/" inside names and never rejects "." or "..".
func localName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsRune(name, '/')
}

// BuildLocal adds rootName and every entry of ls below the filesystem root to t.
func BuildLocal(ls *local.Store, t *tree.Tree, rootName string, opts Options) error {
	logger := opts.logger()

	if _, err := t.Add([]string{rootName}, "", true, 0); err != nil {
		return fmt.Errorf("failed to add local root: %w", err)
	}

	queue := [][]string{{rootName}}
	dirs, files := 0, 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		dir := path.Join(cur[1:]...)

		entries, err := ls.ListDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", tree.JoinPath(cur), err)
		}

		for _, e := range entries {
			childPath := append(append([]string(nil), cur...), e.Name)
			rel := tree.JoinPath(childPath[1:])

			if opts.Ignore.Match(rel, e.IsDir) {
				logger.Debug("ignoring local entry", "path", rel)
				continue
			}

			if _, err := t.Add(childPath, "", e.IsDir, e.Size); err != nil {
				return fmt.Errorf("failed to add %s: %w", rel, err)
			}

			if e.IsDir {
				dirs++
				queue = append(queue, childPath)
			} else {
				files++
			}
		}
	}

	logger.Debug("local tree built", "root", rootName, "dirs", dirs, "files", files)
	return nil
}
