package builder

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// DefaultIgnoreLines are always excluded from both trees.
var DefaultIgnoreLines = []string{
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"*.swp",
	"*.swo",
	".~lock.*#",
}

// Ignore matches root-relative slash paths against gitignore patterns.
type Ignore struct {
	matcher *gitignore.GitIgnore
}

// NewIgnore compiles the default patterns plus lines.
func NewIgnore(lines ...string) *Ignore {
	all := make([]string, 0, len(DefaultIgnoreLines)+len(lines))
	all = append(all, DefaultIgnoreLines...)
	all = append(all, lines...)
	return &Ignore{matcher: gitignore.CompileIgnoreLines(all...)}
}

// Match reports whether rel should be left out. A nil Ignore matches nothing.
func (i *Ignore) Match(rel string, isDir bool) bool {
	if i == nil || i.matcher == nil {
		return false
	}
	if isDir {
		rel += "/"
	}
	return i.matcher.MatchesPath(rel)
}
