package tree

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidPath is returned for empty paths, empty segments, or paths
	// that continue below a file.
	ErrInvalidPath = errors.New("invalid path")

	// ErrDuplicateID is returned when an id is already held by another node.
	ErrDuplicateID = errors.New("duplicate node id")
)

// Handle addresses a node in the tree's node table.
type Handle int

const noHandle Handle = -1

// Node is one entry in a Tree.
type Node struct {
	Name  string
	ID    string
	IsDir bool
	Size  int64

	self     Handle
	parent   Handle
	children map[string]Handle
}

// Match is the result of a path lookup: the deepest node reached and the
// number of path segments matched. Node is nil when not even the root matched.
type Match struct {
	Node  *Node
	Depth int
}

// NotFound is the lookup result when the first path segment names no root.
var NotFound = Match{}

// Found reports whether any segment matched.
func (m Match) Found() bool {
	return m.Node != nil
}

// Tree is a set of named roots over a flat node table.
type Tree struct {
	nodes []*Node
	roots map[string]Handle
	byID  map[string]Handle
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		roots: make(map[string]Handle),
		byID:  make(map[string]Handle),
	}
}

// Add creates every missing ancestor of path as an id-less directory and then
// creates or overwrites the terminal node.
func (t *Tree) Add(path []string, id string, isDir bool, size int64) (*Node, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	h, ok := t.roots[path[0]]
	if !ok {
		if len(path) == 1 {
			return t.create(noHandle, path[0], id, isDir, size)
		}
		n, err := t.create(noHandle, path[0], "", true, 0)
		if err != nil {
			return nil, err
		}
		h = n.self
	}

	for i := 1; i < len(path); i++ {
		cur := t.nodes[h]
		if !cur.IsDir {
			return nil, fmt.Errorf("%w: %q is a file", ErrInvalidPath, joinPath(path[:i]))
		}
		next, ok := cur.children[path[i]]
		if !ok {
			if i == len(path)-1 {
				return t.create(h, path[i], id, isDir, size)
			}
			n, err := t.create(h, path[i], "", true, 0)
			if err != nil {
				return nil, err
			}
			next = n.self
		}
		h = next
	}

	return t.update(t.nodes[h], id, isDir, size)
}

func (t *Tree) create(parent Handle, name, id string, isDir bool, size int64) (*Node, error) {
	if id != "" {
		if _, taken := t.byID[id]; taken {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
	}

	n := &Node{
		Name:   name,
		ID:     id,
		IsDir:  isDir,
		self:   Handle(len(t.nodes)),
		parent: parent,
	}
	if isDir {
		n.children = make(map[string]Handle)
	} else {
		n.Size = size
	}
	t.nodes = append(t.nodes, n)

	if parent == noHandle {
		t.roots[name] = n.self
	} else {
		t.nodes[parent].children[name] = n.self
	}
	if id != "" {
		t.byID[id] = n.self
	}
	return n, nil
}

func (t *Tree) update(n *Node, id string, isDir bool, size int64) (*Node, error) {
	if id != "" && id != n.ID {
		if owner, taken := t.byID[id]; taken && owner != n.self {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
	}
	if !isDir && len(n.children) > 0 {
		return nil, fmt.Errorf("%w: %q has children", ErrInvalidPath, joinPath(t.PathOf(n)))
	}

	if n.ID != "" {
		delete(t.byID, n.ID)
	}
	n.ID = id
	if id != "" {
		t.byID[id] = n.self
	}

	n.IsDir = isDir
	if isDir {
		n.Size = 0
		if n.children == nil {
			n.children = make(map[string]Handle)
		}
	} else {
		n.Size = size
		n.children = nil
	}
	return n, nil
}

// GetNode walks path from the matching root. The returned Match holds the
// deepest existing node and its depth; a missing root yields NotFound.
func (t *Tree) GetNode(path []string) (Match, error) {
	if err := validatePath(path); err != nil {
		return NotFound, err
	}

	h, ok := t.roots[path[0]]
	if !ok {
		return NotFound, nil
	}

	depth := 1
	for _, name := range path[1:] {
		next, ok := t.nodes[h].children[name]
		if !ok {
			break
		}
		h = next
		depth++
	}
	return Match{Node: t.nodes[h], Depth: depth}, nil
}

// NodeByID returns the node carrying id.
func (t *Tree) NodeByID(id string) (*Node, bool) {
	h, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.nodes[h], true
}

// FindParentNodeByID returns the node that holds id as a direct child.
// Roots have no parent.
func (t *Tree) FindParentNodeByID(id string) (*Node, bool) {
	n, ok := t.NodeByID(id)
	if !ok || n.parent == noHandle {
		return nil, false
	}
	return t.nodes[n.parent], true
}

// Parent returns the parent of n, or false for roots.
func (t *Tree) Parent(n *Node) (*Node, bool) {
	if n.parent == noHandle {
		return nil, false
	}
	return t.nodes[n.parent], true
}

// PathOf returns the names from the root down to n.
func (t *Tree) PathOf(n *Node) []string {
	var rev []string
	for h := n.self; h != noHandle; h = t.nodes[h].parent {
		rev = append(rev, t.nodes[h].Name)
	}
	path := make([]string, len(rev))
	for i, name := range rev {
		path[len(rev)-1-i] = name
	}
	return path
}

// Root returns the root named name.
func (t *Tree) Root(name string) (*Node, bool) {
	h, ok := t.roots[name]
	if !ok {
		return nil, false
	}
	return t.nodes[h], true
}

// Roots returns all roots sorted by name.
func (t *Tree) Roots() []*Node {
	names := make([]string, 0, len(t.roots))
	for name := range t.roots {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, t.nodes[t.roots[name]])
	}
	return out
}

// Child returns the direct child of n named name.
func (t *Tree) Child(n *Node, name string) (*Node, bool) {
	h, ok := n.children[name]
	if !ok {
		return nil, false
	}
	return t.nodes[h], true
}

// Children returns the children of n sorted by name.
func (t *Tree) Children(n *Node) []*Node {
	names := sortedNames(n.children)
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, t.nodes[n.children[name]])
	}
	return out
}

// Walk visits n and its descendants depth-first in name order.
func (t *Tree) Walk(n *Node, fn func(path []string, n *Node) error) error {
	return t.walk(t.PathOf(n), n, fn)
}

func (t *Tree) walk(path []string, n *Node, fn func([]string, *Node) error) error {
	if err := fn(path, n); err != nil {
		return err
	}
	for _, c := range t.Children(n) {
		if err := t.walk(appendPath(path, c.Name), c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Remove splices n and its subtree out of the tree.
func (t *Tree) Remove(n *Node) error {
	if n == nil || int(n.self) >= len(t.nodes) || t.nodes[n.self] != n {
		return fmt.Errorf("node %q is not part of this tree", nameOf(n))
	}

	if n.parent == noHandle {
		delete(t.roots, n.Name)
	} else {
		delete(t.nodes[n.parent].children, n.Name)
	}
	t.drop(n.self)
	return nil
}

// RemoveByID removes the node carrying id together with its subtree.
func (t *Tree) RemoveByID(id string) error {
	n, ok := t.NodeByID(id)
	if !ok {
		return fmt.Errorf("no node with id %s", id)
	}
	return t.Remove(n)
}

func (t *Tree) drop(h Handle) {
	n := t.nodes[h]
	for _, c := range n.children {
		t.drop(c)
	}
	if n.ID != "" {
		delete(t.byID, n.ID)
	}
	t.nodes[h] = nil
}

// Len returns the number of live nodes.
func (t *Tree) Len() int {
	count := 0
	for _, n := range t.nodes {
		if n != nil {
			count++
		}
	}
	return count
}

func validatePath(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, name := range path {
		if name == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, joinPath(path))
		}
	}
	return nil
}

func sortedNames(m map[string]Handle) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func appendPath(path []string, name string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, name)
}

func nameOf(n *Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Name
}
