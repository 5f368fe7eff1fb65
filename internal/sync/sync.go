package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mko/gloader/internal/builder"
	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/metrics"
	"github.com/mko/gloader/internal/progress"
	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/store/local"
	"github.com/mko/gloader/internal/tree"
)

const confirmQuestion = "Are you sure you want to continue?"

// Confirmer asks the user whether to apply a previewed diff
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Options configures an Engine
type Options struct {
	RootName   string // label shared by both trees
	RootID     string // remote id of the synced folder
	Policy     config.ConfirmPolicy
	DryRun     bool
	Ignore     *builder.Ignore
	Out        io.Writer // previews and user-facing messages
	ReportPath string    // empty disables the run report
	Metrics    *metrics.Metrics
	Progress   *progress.Reporter
}

// Engine reconciles a local directory with a remote folder
type Engine struct {
	opts    Options
	remote  store.Remote
	local   *local.Store
	confirm Confirmer
	logger  *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(opts Options, remote store.Remote, localStore *local.Store, confirm Confirmer, logger *slog.Logger) *Engine {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Policy == "" {
		opts.Policy = config.ConfirmPrompt
	}
	return &Engine{
		opts:    opts,
		remote:  remote,
		local:   localStore,
		confirm: confirm,
		logger:  logger,
	}
}

// Fetch builds both trees, computes both diffs and previews the one for dir
func (e *Engine) Fetch(ctx context.Context, dir Direction) (*FetchResult, error) {
	bopts := builder.Options{Ignore: e.opts.Ignore, Logger: e.logger}

	e.logger.Info("building remote tree", "root", e.opts.RootName, "id", e.opts.RootID)
	remoteTree := tree.New()
	if err := builder.BuildRemote(ctx, e.remote, remoteTree, e.opts.RootName, e.opts.RootID, bopts); err != nil {
		return nil, fmt.Errorf("failed to build remote tree: %w", err)
	}

	e.logger.Info("building local tree", "root", e.opts.RootName)
	localTree := tree.New()
	if err := builder.BuildLocal(e.local, localTree, e.opts.RootName, bopts); err != nil {
		return nil, fmt.Errorf("failed to build local tree: %w", err)
	}

	e.opts.Metrics.SetTreeSize("remote", remoteTree.Len())
	e.opts.Metrics.SetTreeSize("local", localTree.Len())

	res := &FetchResult{
		Remote:        remoteTree,
		Local:         localTree,
		LocalToRemote: localTree.Diff(remoteTree),
		RemoteToLocal: remoteTree.Diff(localTree),
	}

	d := res.For(dir)
	e.logger.Info("fetch complete",
		"direction", dir,
		"additions", len(d.Additions),
		"modifications", len(d.Modifications),
		"deletions", len(d.Deletions))
	printPreview(e.opts.Out, dir, d)

	return res, nil
}

// Pull makes the local directory match the remote folder
func (e *Engine) Pull(ctx context.Context) (Outcome, error) {
	return e.run(ctx, DirectionPull, e.applyPull)
}

// Push makes the remote folder match the local directory
func (e *Engine) Push(ctx context.Context) (Outcome, error) {
	return e.run(ctx, DirectionPush, e.applyPush)
}

// Sync runs Pull and then Push. Push runs even when Pull failed.
func (e *Engine) Sync(ctx context.Context) error {
	var errs []error
	if _, err := e.Pull(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pull: %w", err))
	}
	if _, err := e.Push(ctx); err != nil {
		errs = append(errs, fmt.Errorf("push: %w", err))
	}
	return errors.Join(errs...)
}

type applyFunc func(ctx context.Context, res *FetchResult, d tree.Diff) error

func (e *Engine) run(ctx context.Context, dir Direction, apply applyFunc) (Outcome, error) {
	report := &Report{Direction: dir, StartedAt: time.Now()}

	outcome, err := e.execute(ctx, dir, apply, report)
	if err != nil {
		e.logger.Error(string(dir)+" failed", "error", err)
	}
	e.finish(report, outcome, err)

	return outcome, err
}

func (e *Engine) execute(ctx context.Context, dir Direction, apply applyFunc, report *Report) (Outcome, error) {
	e.logger.Info("starting "+string(dir),
		"root", e.opts.RootName,
		"policy", e.opts.Policy,
		"dry_run", e.opts.DryRun)

	res, err := e.Fetch(ctx, dir)
	if err != nil {
		return Failed, err
	}

	d := res.For(dir)
	report.Additions = len(d.Additions)
	report.Modifications = len(d.Modifications)
	report.Deletions = len(d.Deletions)
	e.opts.Metrics.ObserveChanges(string(dir), report.Additions, report.Modifications, report.Deletions)

	if d.Empty() {
		return NothingToDo, nil
	}

	if e.opts.DryRun {
		e.logDiffDetails(dir, d)
		e.logger.Info("dry-run complete, no changes applied")
		return Previewed, nil
	}

	ok, err := e.confirmed(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to confirm: %w", err)
	}
	if !ok {
		_, _ = fmt.Fprintln(e.opts.Out, "Canceled by user!")
		e.logger.Info(string(dir)+" cancelled", "policy", e.opts.Policy)
		return Cancelled, nil
	}

	if err := apply(ctx, res, d); err != nil {
		return Failed, err
	}

	e.logger.Info(string(dir) + " completed successfully")
	return Applied, nil
}

func (e *Engine) confirmed(ctx context.Context) (bool, error) {
	switch e.opts.Policy {
	case config.ConfirmAlways:
		return true, nil
	case config.ConfirmNever:
		return false, nil
	case config.ConfirmPrompt:
		if e.confirm == nil {
			return false, errors.New("prompt policy requires a confirmer")
		}
		return e.confirm.Confirm(ctx, confirmQuestion)
	default:
		return false, fmt.Errorf("unknown confirm policy: %s", e.opts.Policy)
	}
}

func (e *Engine) finish(report *Report, outcome Outcome, err error) {
	report.Outcome = outcome.String()
	report.FinishedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
	}

	e.opts.Metrics.MarkRun(string(report.Direction), report.Outcome, report.FinishedAt)
	if err := e.opts.Metrics.Flush(); err != nil {
		e.logger.Warn("failed to write metrics textfile", "error", err)
	}

	if e.opts.ReportPath == "" {
		return
	}
	if err := saveReport(e.opts.ReportPath, report); err != nil {
		e.logger.Warn("failed to save run report", "path", e.opts.ReportPath, "error", err)
	}
}

// applyPull applies remote->local changes: Additions, Modifications, Deletions.
func (e *Engine) applyPull(ctx context.Context, res *FetchResult, d tree.Diff) error {
	for _, c := range d.Additions {
		e.logger.Info("adding", "path", c.Path)
		if err := e.download(ctx, res.Remote, c.Segments); err != nil {
			return fmt.Errorf("failed to add %s: %w", c.Path, err)
		}
	}

	for _, c := range d.Modifications {
		e.logger.Info("updating", "path", c.Path)
		if err := e.local.Remove(relPath(c.Segments)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", c.Path, err)
		}
		if err := e.download(ctx, res.Remote, c.Segments); err != nil {
			return fmt.Errorf("failed to update %s: %w", c.Path, err)
		}
	}

	for _, c := range d.Deletions {
		e.logger.Info("deleting", "path", c.Path)
		if err := e.softDeleteLocal(res, c.Segments); err != nil {
			return fmt.Errorf("failed to delete %s: %w", c.Path, err)
		}
	}

	return nil
}

// download mirrors the remote subtree at segs into the local store.
func (e *Engine) download(ctx context.Context, rt *tree.Tree, segs []string) error {
	m, err := rt.GetNode(segs)
	if err != nil {
		return err
	}
	if m.Depth != len(segs) {
		return fmt.Errorf("%s is not in the remote tree", tree.JoinPath(segs))
	}

	return rt.Walk(m.Node, func(path []string, n *tree.Node) error {
		rel := relPath(path)
		if n.IsDir {
			return e.local.MkdirAll(rel)
		}
		return e.downloadFile(ctx, rel, n)
	})
}

func (e *Engine) downloadFile(ctx context.Context, rel string, n *tree.Node) error {
	f, err := e.local.Create(rel)
	if err != nil {
		return err
	}

	err = e.remote.Download(ctx, n.ID, f, e.opts.Progress.Track("download", rel))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	e.opts.Metrics.ObserveTransfer(string(DirectionPull), n.Size, err)

	if err != nil {
		e.logger.Error("download failed", "path", rel, "id", n.ID, "error", err)
		_ = e.local.Remove(rel)
		return err
	}
	e.logger.Debug("downloaded", "path", rel, "size", n.Size)
	return nil
}

// softDeleteLocal moves a local path into the dated backup area and removes
// ancestors that became empty and do not exist remotely.
func (e *Engine) softDeleteLocal(res *FetchResult, segs []string) error {
	rel := relPath(segs)
	dst, err := e.local.MoveToBackup(rel)
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.logger.Warn("path does not exist, skipping", "path", rel)
	case err != nil:
		return err
	default:
		e.logger.Info("moved to backup", "path", rel, "backup", dst)
	}

	if m, _ := res.Local.GetNode(segs); m.Depth == len(segs) {
		_ = res.Local.Remove(m.Node)
	}

	for i := len(segs) - 1; i > 1; i-- {
		parent := segs[:i]
		pm, _ := res.Local.GetNode(parent)
		if pm.Depth != i || len(res.Local.Children(pm.Node)) > 0 {
			break
		}
		if rm, _ := res.Remote.GetNode(parent); rm.Depth == i {
			break
		}
		if err := e.local.Remove(relPath(parent)); err != nil {
			return err
		}
		_ = res.Local.Remove(pm.Node)
		e.logger.Info("removed empty directory", "path", relPath(parent))
	}
	return nil
}

// applyPush applies local->remote changes: Additions, Modifications, Deletions.
func (e *Engine) applyPush(ctx context.Context, res *FetchResult, d tree.Diff) error {
	for _, c := range d.Additions {
		e.logger.Info("adding", "path", c.Path)
		if err := e.upload(ctx, res, c.Segments); err != nil {
			return fmt.Errorf("failed to add %s: %w", c.Path, err)
		}
	}

	for _, c := range d.Modifications {
		e.logger.Info("updating", "path", c.Path)
		if err := e.replaceRemote(ctx, res, c.Segments); err != nil {
			return fmt.Errorf("failed to update %s: %w", c.Path, err)
		}
	}

	for _, c := range d.Deletions {
		e.logger.Info("deleting", "path", c.Path)
		if err := e.trashRemote(ctx, res, c); err != nil {
			return fmt.Errorf("failed to delete %s: %w", c.Path, err)
		}
	}

	return nil
}

// upload copies the local subtree at segs to the remote side, creating only
// the missing suffix of remote folders.
func (e *Engine) upload(ctx context.Context, res *FetchResult, segs []string) error {
	m, err := res.Local.GetNode(segs)
	if err != nil {
		return err
	}
	if m.Depth != len(segs) {
		return fmt.Errorf("%s is not in the local tree", tree.JoinPath(segs))
	}

	return res.Local.Walk(m.Node, func(path []string, n *tree.Node) error {
		if n.IsDir {
			_, err := e.ensureRemoteDirs(ctx, res.Remote, path)
			return err
		}
		parentID, err := e.ensureRemoteDirs(ctx, res.Remote, path[:len(path)-1])
		if err != nil {
			return err
		}
		return e.uploadFile(ctx, res.Remote, path, parentID, n.Size)
	})
}

func (e *Engine) ensureRemoteDirs(ctx context.Context, rt *tree.Tree, dirSegs []string) (string, error) {
	m, err := rt.GetNode(dirSegs)
	if err != nil {
		return "", err
	}
	if !m.Found() {
		return "", fmt.Errorf("remote root %q is missing", dirSegs[0])
	}
	if !m.Node.IsDir {
		return "", fmt.Errorf("remote %s is a file", tree.JoinPath(rt.PathOf(m.Node)))
	}

	id := m.Node.ID
	for i := m.Depth; i < len(dirSegs); i++ {
		newID, err := e.remote.CreateDirectory(ctx, dirSegs[i], id)
		if err != nil {
			e.logger.Error("create folder failed", "path", tree.JoinPath(dirSegs[:i+1]), "error", err)
			return "", err
		}
		if _, err := rt.Add(dirSegs[:i+1], newID, true, 0); err != nil {
			return "", err
		}
		e.logger.Debug("created remote folder", "path", tree.JoinPath(dirSegs[:i+1]), "id", newID)
		id = newID
	}
	return id, nil
}

func (e *Engine) uploadFile(ctx context.Context, rt *tree.Tree, segs []string, parentID string, size int64) error {
	rel := relPath(segs)
	f, err := e.local.Open(rel)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	id, err := e.remote.Upload(ctx, segs[len(segs)-1], parentID, f, size, e.opts.Progress.Track("upload", rel))
	e.opts.Metrics.ObserveTransfer(string(DirectionPush), size, err)
	if err != nil {
		e.logger.Error("upload failed", "path", rel, "error", err)
		return err
	}

	if _, err := rt.Add(segs, id, false, size); err != nil {
		return err
	}
	e.logger.Debug("uploaded", "path", rel, "id", id, "size", size)
	return nil
}

// replaceRemote permanently deletes the remote object at segs and uploads the
// local version in its place.
func (e *Engine) replaceRemote(ctx context.Context, res *FetchResult, segs []string) error {
	p := tree.JoinPath(segs)
	m, err := res.Remote.GetNode(segs)
	if err != nil {
		return err
	}
	if m.Depth != len(segs) || m.Node.ID == "" {
		return fmt.Errorf("%s has no remote object", p)
	}

	if err := e.remote.Delete(ctx, m.Node.ID); err != nil {
		e.logger.Error("delete failed", "path", p, "id", m.Node.ID, "error", err)
		return err
	}
	if err := res.Remote.Remove(m.Node); err != nil {
		return err
	}
	return e.upload(ctx, res, segs)
}

// trashRemote moves the object of c to the remote trash, splices it out of
// the remote tree and trashes ancestors left empty that do not exist locally.
func (e *Engine) trashRemote(ctx context.Context, res *FetchResult, c tree.Change) error {
	if c.ID == "" {
		return fmt.Errorf("%s has no remote id", c.Path)
	}
	if err := e.remote.Trash(ctx, c.ID); err != nil {
		e.logger.Error("trash failed", "path", c.Path, "id", c.ID, "error", err)
		return err
	}

	segs := c.Segments
	e.spliceRemote(res.Remote, c.ID, segs[len(segs)-1])

	for i := len(segs) - 1; i > 1; i-- {
		parent := segs[:i]
		pm, _ := res.Remote.GetNode(parent)
		if pm.Depth != i || pm.Node.ID == "" || len(res.Remote.Children(pm.Node)) > 0 {
			break
		}
		if lm, _ := res.Local.GetNode(parent); lm.Depth == i {
			break
		}
		id := pm.Node.ID
		if err := e.remote.Trash(ctx, id); err != nil {
			return err
		}
		e.spliceRemote(res.Remote, id, parent[len(parent)-1])
		e.logger.Info("trashed empty folder", "path", tree.JoinPath(parent))
	}
	return nil
}

func (e *Engine) spliceRemote(rt *tree.Tree, id, name string) {
	parent, ok := rt.FindParentNodeByID(id)
	if !ok {
		return
	}
	if child, ok := rt.Child(parent, name); ok {
		_ = rt.Remove(child)
	}
}

// logDiffDetails logs detailed plan information for dry-run
func (e *Engine) logDiffDetails(dir Direction, d tree.Diff) {
	add, mod, del := "download", "replace local", "move to backup"
	if dir == DirectionPush {
		add, mod, del = "upload", "replace remote", "trash"
	}
	for _, c := range d.Additions {
		e.logger.Info("[dry-run] would "+add, "path", c.Path, "size", c.Size)
	}
	for _, c := range d.Modifications {
		e.logger.Info("[dry-run] would "+mod, "path", c.Path, "size", c.Size)
	}
	for _, c := range d.Deletions {
		e.logger.Info("[dry-run] would "+del, "path", c.Path)
	}
}

// relPath drops the root label from a tree path.
func relPath(segs []string) string {
	if len(segs) <= 1 {
		return ""
	}
	return tree.JoinPath(segs[1:])
}
