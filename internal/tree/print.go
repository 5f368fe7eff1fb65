package tree

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// Fprint writes an indented listing of n's subtree. A nil n prints every root.
func (t *Tree) Fprint(w io.Writer, n *Node) error {
	if n == nil {
		for _, r := range t.Roots() {
			if err := t.fprint(w, r, 0); err != nil {
				return err
			}
		}
		return nil
	}
	return t.fprint(w, n, 0)
}

func (t *Tree) fprint(w io.Writer, n *Node, depth int) error {
	indent := strings.Repeat("    ", depth)
	var err error
	if n.IsDir {
		_, err = fmt.Fprintf(w, "%s%s/\n", indent, n.Name)
	} else {
		_, err = fmt.Fprintf(w, "%s%s (%s)\n", indent, n.Name, humanize.Bytes(uint64(max(n.Size, 0))))
	}
	if err != nil {
		return err
	}
	for _, c := range t.Children(n) {
		if err := t.fprint(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}
