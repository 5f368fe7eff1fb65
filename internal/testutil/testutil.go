// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"log/slog"
	"os"
	"path"
	"sort"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// SeedFS writes files into fs. Keys are slash paths; a key ending in "/"
// creates an empty directory.
func SeedFS(t testing.TB, fs billy.Filesystem, files map[string]string) {
	t.Helper()
	for p, content := range files {
		if p[len(p)-1] == '/' {
			if err := fs.MkdirAll(p, 0o755); err != nil {
				t.Fatalf("failed to create %s: %v", p, err)
			}
			continue
		}
		if err := fs.MkdirAll(path.Dir(p), 0o755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", p, err)
		}
		if err := util.WriteFile(fs, p, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", p, err)
		}
	}
}

// ReadFS returns every regular file below root as slash path to content.
func ReadFS(t testing.TB, fs billy.Filesystem) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := util.ReadFile(fs, p)
		if err != nil {
			return err
		}
		out[path.Clean("/" + p)[1:]] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk filesystem: %v", err)
	}
	return out
}

// SortedKeys returns the keys of m in order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
