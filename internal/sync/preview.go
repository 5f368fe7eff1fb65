package sync

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/mko/gloader/internal/tree"
)

var (
	addColor = color.New(color.FgGreen)
	modColor = color.New(color.FgYellow)
	delColor = color.New(color.FgRed)
)

// printPreview writes the human-readable summary of d for dir.
func printPreview(w io.Writer, dir Direction, d tree.Diff) {
	if d.Empty() {
		_, _ = fmt.Fprintf(w, "No changes to %s!\n", dir)
		return
	}

	target := "Local"
	if dir == DirectionPush {
		target = "Remote"
	}
	_, _ = fmt.Fprintf(w, "Following changes will take place in %s:\n", target)
	previewSection(w, "Additions", "+", addColor, d.Additions)
	previewSection(w, "Modifications", "*", modColor, d.Modifications)
	previewSection(w, "Deletions", "-", delColor, d.Deletions)
}

func previewSection(w io.Writer, title, mark string, c *color.Color, changes []tree.Change) {
	if len(changes) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "%s (%d):\n", title, len(changes))
	for _, ch := range changes {
		p := ch.Path
		if ch.IsDir {
			p += "/"
		}
		_, _ = c.Fprintf(w, "  %s %s\n", mark, p)
	}
}
