// Package local implements the local side of a sync over a go-billy filesystem.
// All paths are slash-separated and relative to the filesystem root.
package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/mko/gloader/internal/store"
)

// BackupDateLayout names the per-day backup folder (dd-mm-yyyy).
const BackupDateLayout = "02-01-2006"

// Entry is one directory entry.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Store is the local filesystem collaborator.
type Store struct {
	fs     billy.Filesystem
	backup billy.Filesystem
	now    func() time.Time
}

// New creates a store over fs that soft-deletes into backup.
func New(fs, backup billy.Filesystem) *Store {
	return &Store{fs: fs, backup: backup, now: time.Now}
}

// NewOS creates a store rooted at root on the OS filesystem.
func NewOS(root, backupDir string) *Store {
	return New(osfs.New(root), osfs.New(backupDir))
}

// WithClock overrides the clock used to name backup folders.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Filesystem returns the underlying root filesystem.
func (s *Store) Filesystem() billy.Filesystem {
	return s.fs
}

// ListDir returns the entries of p. Symlinks and other special files are skipped.
func (s *Store) ListDir(p string) ([]Entry, error) {
	infos, err := s.fs.ReadDir(abs(p))
	if err != nil {
		return nil, store.NewError("local", "ListDir", p, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		mode := info.Mode()
		switch {
		case mode.IsDir():
			entries = append(entries, Entry{Name: info.Name(), IsDir: true})
		case mode.IsRegular():
			entries = append(entries, Entry{Name: info.Name(), Size: info.Size()})
		}
	}
	return entries, nil
}

// Stat returns the size of the file at p.
func (s *Store) Stat(p string) (int64, error) {
	info, err := s.fs.Stat(abs(p))
	if err != nil {
		return 0, store.NewError("local", "Stat", p, err)
	}
	if info.IsDir() {
		return 0, nil
	}
	return info.Size(), nil
}

// Exists reports whether p exists.
func (s *Store) Exists(p string) (bool, error) {
	_, err := s.fs.Stat(abs(p))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, store.NewError("local", "Stat", p, err)
	}
}

// Open opens the file at p for reading.
func (s *Store) Open(p string) (billy.File, error) {
	f, err := s.fs.Open(abs(p))
	if err != nil {
		return nil, store.NewError("local", "Open", p, err)
	}
	return f, nil
}

// Create truncates or creates the file at p, creating parent directories.
func (s *Store) Create(p string) (billy.File, error) {
	if err := s.fs.MkdirAll(path.Dir(abs(p)), 0o755); err != nil {
		return nil, store.NewError("local", "Create", p, err)
	}
	f, err := s.fs.Create(abs(p))
	if err != nil {
		return nil, store.NewError("local", "Create", p, err)
	}
	return f, nil
}

// MkdirAll creates the directory p and its parents.
func (s *Store) MkdirAll(p string) error {
	if err := s.fs.MkdirAll(abs(p), 0o755); err != nil {
		return store.NewError("local", "MkdirAll", p, err)
	}
	return nil
}

// Remove permanently deletes p and everything below it.
func (s *Store) Remove(p string) error {
	if err := util.RemoveAll(s.fs, abs(p)); err != nil {
		return store.NewError("local", "Remove", p, err)
	}
	return nil
}

// MoveToBackup moves p into <backup>/<dd-mm-yyyy>/<parent of p>/ and returns
// the backup path. An existing target gets a numeric suffix.
func (s *Store) MoveToBackup(p string) (string, error) {
	src := abs(p)
	info, err := s.fs.Stat(src)
	if err != nil {
		return "", store.NewError("local", "MoveToBackup", p, err)
	}

	dst := s.backupTarget(src)
	if info.IsDir() {
		err = s.copyDir(src, dst)
	} else {
		err = s.copyFile(src, dst, info.Mode())
	}
	if err != nil {
		return "", store.NewError("local", "MoveToBackup", p, err)
	}

	if err := util.RemoveAll(s.fs, src); err != nil {
		return "", store.NewError("local", "MoveToBackup", p, fmt.Errorf("backup written to %s but source not removed: %w", dst, err))
	}
	return dst, nil
}

func (s *Store) backupTarget(src string) string {
	base := path.Join("/", s.now().Format(BackupDateLayout), src)
	candidate := base
	for i := 1; ; i++ {
		if _, err := s.backup.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func (s *Store) copyDir(src, dst string) error {
	if err := s.backup.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return util.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		target := path.Join(dst, strings.TrimPrefix(p, src))
		switch {
		case info.IsDir():
			return s.backup.MkdirAll(target, 0o755)
		case info.Mode().IsRegular():
			return s.copyFile(p, target, info.Mode())
		}
		return nil
	})
}

func (s *Store) copyFile(src, dst string, mode os.FileMode) error {
	if err := s.backup.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := s.backup.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func abs(p string) string {
	return path.Join("/", p)
}
