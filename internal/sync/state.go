package sync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mko/gloader/internal/tree"
)

// Direction names which side is the source of truth
type Direction string

const (
	DirectionPull Direction = "pull" // remote -> local
	DirectionPush Direction = "push" // local -> remote
)

// Outcome is how a pull or push ended
type Outcome int

const (
	Applied Outcome = iota
	NothingToDo
	Cancelled
	Previewed // dry run
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NothingToDo:
		return "nothing-to-do"
	case Cancelled:
		return "cancelled"
	case Previewed:
		return "previewed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FetchResult holds both trees and both diffs of one fetch
type FetchResult struct {
	Remote        *tree.Tree
	Local         *tree.Tree
	LocalToRemote tree.Diff // local.Diff(remote), drives push
	RemoteToLocal tree.Diff // remote.Diff(local), drives pull
}

// For returns the diff that drives dir.
func (r *FetchResult) For(dir Direction) tree.Diff {
	if dir == DirectionPush {
		return r.LocalToRemote
	}
	return r.RemoteToLocal
}

// Report summarizes one pull or push run
type Report struct {
	Direction     Direction `json:"direction"`
	Outcome       string    `json:"outcome"`
	Additions     int       `json:"additions"`
	Modifications int       `json:"modifications"`
	Deletions     int       `json:"deletions"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`
}

// LoadReport reads the last run report. A missing file yields nil, nil.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// saveReport persists r to path
func saveReport(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
