package tree

import (
	"sort"
	"strings"
)

// Change is one entry of a Diff. Segments addresses the node in both trees
// and Path is its slash-joined form for display.
type Change struct {
	Path     string
	Segments []string
	ID       string
	Size     int64
	IsDir    bool
}

// Diff classifies the differences between two trees. It is directional:
// for a.Diff(b), Additions must be created in b, Deletions removed from b,
// and Modifications overwritten in b with a's version.
type Diff struct {
	Additions     []Change
	Modifications []Change
	Deletions     []Change
}

// Empty reports whether the diff holds no changes.
func (d Diff) Empty() bool {
	return len(d.Additions) == 0 && len(d.Modifications) == 0 && len(d.Deletions) == 0
}

// Len returns the total number of changes.
func (d Diff) Len() int {
	return len(d.Additions) + len(d.Modifications) + len(d.Deletions)
}

// Diff compares t against other. Only leaves (files and empty directories)
// are reported for paths missing on one side. Additions and Modifications
// carry t's values, Deletions carry other's.
func (t *Tree) Diff(other *Tree) Diff {
	var d Diff
	for _, name := range unionNames(t.roots, other.roots) {
		a, _ := t.Root(name)
		b, _ := other.Root(name)
		diffNodes(t, a, other, b, []string{name}, &d)
	}
	return d
}

func diffNodes(ta *Tree, a *Node, tb *Tree, b *Node, path []string, d *Diff) {
	switch {
	case b == nil:
		collectLeaves(ta, a, path, &d.Additions)
	case a == nil:
		collectLeaves(tb, b, path, &d.Deletions)
	case a.IsDir != b.IsDir:
		d.Modifications = append(d.Modifications, changeOf(path, a))
	case !a.IsDir:
		if a.Size != b.Size {
			d.Modifications = append(d.Modifications, changeOf(path, a))
		}
	default:
		for _, name := range unionNames(a.children, b.children) {
			ca, _ := ta.Child(a, name)
			cb, _ := tb.Child(b, name)
			diffNodes(ta, ca, tb, cb, appendPath(path, name), d)
		}
	}
}

func collectLeaves(t *Tree, n *Node, path []string, out *[]Change) {
	if !n.IsDir || len(n.children) == 0 {
		*out = append(*out, changeOf(path, n))
		return
	}
	for _, c := range t.Children(n) {
		collectLeaves(t, c, appendPath(path, c.Name), out)
	}
}

func changeOf(path []string, n *Node) Change {
	return Change{
		Path:     joinPath(path),
		Segments: append([]string(nil), path...),
		ID:       n.ID,
		Size:     n.Size,
		IsDir:    n.IsDir,
	}
}

func unionNames(a, b map[string]Handle) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		seen[name] = struct{}{}
	}
	for name := range b {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitPath splits a slash-separated folder path such as remote.folder.
func SplitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinPath(path []string) string {
	return strings.Join(path, "/")
}

// JoinPath joins segments with "/".
func JoinPath(path []string) string {
	return joinPath(path)
}
