package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mko/gloader/internal/builder"
	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/metrics"
	"github.com/mko/gloader/internal/store/local"
	"github.com/mko/gloader/internal/store/memory"
)

const testRoot = "docs"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockConfirmer answers prompts from a fixed script.
type mockConfirmer struct {
	answers   []bool
	err       error
	questions []string
}

func (m *mockConfirmer) Confirm(_ context.Context, question string) (bool, error) {
	m.questions = append(m.questions, question)
	if m.err != nil {
		return false, m.err
	}
	if len(m.answers) == 0 {
		return false, nil
	}
	answer := m.answers[0]
	m.answers = m.answers[1:]
	return answer, nil
}

type fixture struct {
	remote *memory.Store
	local  *local.Store
	fs     billy.Filesystem
	backup billy.Filesystem
	out    *bytes.Buffer
}

func newFixture(t *testing.T, localFiles map[string]string) *fixture {
	t.Helper()
	fs := memfs.New()
	for p, content := range localFiles {
		if strings.HasSuffix(p, "/") {
			if err := fs.MkdirAll(p, 0o755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := util.WriteFile(fs, p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	backup := memfs.New()
	clock := func() time.Time { return time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC) }

	return &fixture{
		remote: memory.New(),
		local:  local.New(fs, backup).WithClock(clock),
		fs:     fs,
		backup: backup,
		out:    &bytes.Buffer{},
	}
}

func (f *fixture) engine(policy config.ConfirmPolicy, confirm Confirmer, mutate ...func(*Options)) *Engine {
	opts := Options{
		RootName: testRoot,
		RootID:   memory.RootID,
		Policy:   policy,
		Out:      f.out,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewEngine(opts, f.remote, f.local, confirm, testLogger())
}

func (f *fixture) readLocal(t *testing.T, p string) string {
	t.Helper()
	data, err := util.ReadFile(f.fs, p)
	if err != nil {
		t.Fatalf("failed to read local %s: %v", p, err)
	}
	return string(data)
}

func (f *fixture) localExists(t *testing.T, p string) bool {
	t.Helper()
	ok, err := f.local.Exists(p)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func hasCall(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestPull_AddsRemoteContent(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("a.txt", []byte("hello"))
	f.remote.Put("sub/b.txt", []byte("xy"))
	f.remote.Put("empty", nil)

	e := f.engine(config.ConfirmAlways, nil)
	outcome, err := e.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if outcome != Applied {
		t.Errorf("expected applied, got %s", outcome)
	}

	if got := f.readLocal(t, "/a.txt"); got != "hello" {
		t.Errorf("unexpected a.txt content %q", got)
	}
	if got := f.readLocal(t, "/sub/b.txt"); got != "xy" {
		t.Errorf("unexpected sub/b.txt content %q", got)
	}
	if !f.localExists(t, "empty") {
		t.Error("expected empty directory to be created")
	}

	outcome, err = e.Pull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("second pull should have nothing to do, got %s", outcome)
	}
	if !strings.Contains(f.out.String(), "No changes to pull!") {
		t.Errorf("expected no-changes message, got %q", f.out.String())
	}
}

func TestPull_ModificationReplacesLocal(t *testing.T) {
	f := newFixture(t, map[string]string{"/a.txt": "old"})
	f.remote.Put("a.txt", []byte("new content"))

	if _, err := f.engine(config.ConfirmAlways, nil).Pull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.readLocal(t, "/a.txt"); got != "new content" {
		t.Errorf("expected remote content, got %q", got)
	}
}

func TestPull_TypeConflictReplacesLocalDirectory(t *testing.T) {
	f := newFixture(t, map[string]string{"/item/inner.txt": "x"})
	f.remote.Put("item", []byte("now a file"))

	if _, err := f.engine(config.ConfirmAlways, nil).Pull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.readLocal(t, "/item"); got != "now a file" {
		t.Errorf("expected item to be a file, got %q", got)
	}
}

func TestPull_DeletionMovesToBackup(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/keep.txt":     "k",
		"/extra.txt":    "e",
		"/sub/gone.txt": "g",
	})
	f.remote.Put("keep.txt", []byte("k"))

	if _, err := f.engine(config.ConfirmAlways, nil).Pull(context.Background()); err != nil {
		t.Fatal(err)
	}

	if f.localExists(t, "extra.txt") || f.localExists(t, "sub/gone.txt") {
		t.Error("deleted files still present locally")
	}
	if f.localExists(t, "sub") {
		t.Error("emptied directory sub should be removed")
	}
	if !f.localExists(t, "keep.txt") {
		t.Error("keep.txt must survive")
	}

	for _, p := range []string{"/05-03-2024/extra.txt", "/05-03-2024/sub/gone.txt"} {
		if _, err := f.backup.Stat(p); err != nil {
			t.Errorf("expected backup %s: %v", p, err)
		}
	}
}

func TestPull_KeepsEmptiedDirectoryPresentRemotely(t *testing.T) {
	f := newFixture(t, map[string]string{"/sub/gone.txt": "g"})
	f.remote.Put("sub", nil)

	if _, err := f.engine(config.ConfirmAlways, nil).Pull(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.localExists(t, "sub") {
		t.Error("sub exists remotely and must be kept")
	}
	if f.localExists(t, "sub/gone.txt") {
		t.Error("sub/gone.txt should be moved to backup")
	}
}

func TestPull_DownloadFailureRemovesPartialFile(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("a.txt", []byte("hello"))
	errBoom := errors.New("boom")
	f.remote.FailOn("Download", errBoom)

	outcome, err := f.engine(config.ConfirmAlways, nil).Pull(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if outcome != Failed {
		t.Errorf("expected failed, got %s", outcome)
	}
	if f.localExists(t, "a.txt") {
		t.Error("partial download should be removed")
	}
}

func TestPull_SkipsNamesWithoutLocalForm(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("ok.txt", []byte("ok"))
	ctx := context.Background()
	slashDir, err := f.remote.CreateDirectory(ctx, "a/b", memory.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.remote.Upload(ctx, "inner.txt", slashDir, strings.NewReader("x"), 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.remote.Upload(ctx, "..", memory.RootID, strings.NewReader("evil"), 4, nil); err != nil {
		t.Fatal(err)
	}

	e := f.engine(config.ConfirmAlways, nil)
	outcome, err := e.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if outcome != Applied {
		t.Errorf("expected applied, got %s", outcome)
	}
	if got := f.readLocal(t, "/ok.txt"); got != "ok" {
		t.Errorf("unexpected ok.txt content %q", got)
	}
	if f.localExists(t, "a") {
		t.Error("a name containing a slash must not create local directories")
	}

	outcome, err = e.Pull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("skipped names must stay out of the diff, got %s", outcome)
	}
}

func TestPullThenPush_BackupInsideRootStaysLocal(t *testing.T) {
	fs := memfs.New()
	if err := util.WriteFile(fs, "old.txt", []byte("o"), 0o644); err != nil {
		t.Fatal(err)
	}
	backup, err := fs.Chroot(".backup")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		Local: config.LocalConfig{Path: "/data/docs", BackupDir: "/data/docs/.backup"},
		Paths: config.PathsConfig{StateDir: "/var/lib/gloader"},
	}
	remote := memory.New()
	e := NewEngine(Options{
		RootName: testRoot,
		RootID:   memory.RootID,
		Policy:   config.ConfirmAlways,
		Ignore:   builder.NewIgnore(cfg.IgnoreLines(cfg.Local.Path)...),
	}, remote, local.New(fs, backup), nil, testLogger())

	ctx := context.Background()
	if outcome, err := e.Pull(ctx); err != nil || outcome != Applied {
		t.Fatalf("Pull: outcome=%s err=%v", outcome, err)
	}
	if _, err := fs.Stat(".backup"); err != nil {
		t.Fatalf("expected backup inside the root: %v", err)
	}

	outcome, err := e.Push(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("backup contents must not be pushed, got %s", outcome)
	}
	if calls := remote.Calls(); len(calls) != 0 {
		t.Errorf("expected no remote mutations, got %v", calls)
	}
}

func TestPush_AddsLocalContent(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/a.txt":     "hello",
		"/x/y/z.txt": "deep",
		"/empty/":    "",
	})

	e := f.engine(config.ConfirmAlways, nil)
	if _, err := e.Push(context.Background()); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, data, ok := f.remote.Lookup("x/y/z.txt"); !ok || string(data) != "deep" {
		t.Errorf("x/y/z.txt not uploaded: ok=%v data=%q", ok, data)
	}
	if _, data, ok := f.remote.Lookup("a.txt"); !ok || string(data) != "hello" {
		t.Errorf("a.txt not uploaded: ok=%v data=%q", ok, data)
	}
	if _, _, ok := f.remote.Lookup("empty"); !ok {
		t.Error("empty folder not created")
	}

	calls := f.remote.Calls()
	for _, want := range []string{"CreateDirectory x", "CreateDirectory y", "Upload z.txt", "Upload a.txt"} {
		if !hasCall(calls, want) {
			t.Errorf("missing call %q in %v", want, calls)
		}
	}

	outcome, err := e.Push(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("second push should have nothing to do, got %s", outcome)
	}
}

func TestPush_ReusesExistingRemoteFolders(t *testing.T) {
	f := newFixture(t, map[string]string{"/x/y/new.txt": "n"})
	f.remote.Put("x/y", nil)

	if _, err := f.engine(config.ConfirmAlways, nil).Push(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, c := range f.remote.Calls() {
		if strings.HasPrefix(c, "CreateDirectory") {
			t.Errorf("unexpected folder creation %q", c)
		}
	}
}

func TestPush_ModificationUploadsLocalVersion(t *testing.T) {
	f := newFixture(t, map[string]string{"/a.txt": "longer local content"})
	oldID := f.remote.Put("a.txt", []byte("short"))

	if _, err := f.engine(config.ConfirmAlways, nil).Push(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, data, ok := f.remote.Lookup("a.txt")
	if !ok || string(data) != "longer local content" {
		t.Errorf("remote not replaced with local version: ok=%v data=%q", ok, data)
	}
	if !hasCall(f.remote.Calls(), "Delete "+oldID) {
		t.Errorf("expected old remote object to be deleted, calls %v", f.remote.Calls())
	}
}

func TestPush_TypeConflictReplacesRemoteFile(t *testing.T) {
	f := newFixture(t, map[string]string{"/dir/f.txt": "inside"})
	f.remote.Put("dir", []byte("i am a file"))

	if _, err := f.engine(config.ConfirmAlways, nil).Push(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, data, ok := f.remote.Lookup("dir/f.txt"); !ok || string(data) != "inside" {
		t.Errorf("dir/f.txt not uploaded: ok=%v data=%q", ok, data)
	}
}

func TestPush_DeletionTrashesAndPrunes(t *testing.T) {
	f := newFixture(t, map[string]string{"/keep.txt": "k"})
	f.remote.Put("keep.txt", []byte("k"))
	goneID := f.remote.Put("old/gone.txt", []byte("g"))
	oldID, _, _ := f.remote.Lookup("old")

	e := f.engine(config.ConfirmAlways, nil)
	if _, err := e.Push(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.remote.Trashed(goneID) {
		t.Error("old/gone.txt should be trashed")
	}
	if !f.remote.Trashed(oldID) {
		t.Error("emptied folder old should be trashed")
	}

	outcome, err := e.Push(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("expected nothing to do after trash, got %s", outcome)
	}
}

func TestApplyPush_SplicesTrashedNodes(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("a/b.txt", []byte("b"))
	f.remote.Put("a/c.txt", []byte("c"))

	e := f.engine(config.ConfirmAlways, nil)
	res, err := e.Fetch(context.Background(), DirectionPush)
	if err != nil {
		t.Fatal(err)
	}
	before := res.Remote.Len()

	if err := e.applyPush(context.Background(), res, res.LocalToRemote); err != nil {
		t.Fatal(err)
	}

	if m, _ := res.Remote.GetNode([]string{testRoot, "a", "b.txt"}); m.Depth == 3 {
		t.Error("trashed b.txt still in remote tree")
	}
	if m, _ := res.Remote.GetNode([]string{testRoot, "a"}); m.Depth == 2 {
		t.Error("emptied folder a still in remote tree")
	}
	if res.Remote.Len() != before-3 {
		t.Errorf("expected %d nodes, got %d", before-3, res.Remote.Len())
	}
}

func TestPolicyNever_AppliesNothing(t *testing.T) {
	f := newFixture(t, map[string]string{"/local.txt": "l"})
	f.remote.Put("remote.txt", []byte("r"))

	e := f.engine(config.ConfirmNever, nil)

	outcome, err := e.Pull(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Cancelled {
		t.Errorf("expected cancelled pull, got %s", outcome)
	}
	if f.localExists(t, "remote.txt") {
		t.Error("pull must not download under never policy")
	}

	outcome, err = e.Push(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Cancelled {
		t.Errorf("expected cancelled push, got %s", outcome)
	}
	if calls := f.remote.Calls(); len(calls) != 0 {
		t.Errorf("expected no remote mutations, got %v", calls)
	}
}

func TestPolicyPrompt(t *testing.T) {
	tests := []struct {
		name        string
		answer      bool
		wantOutcome Outcome
		wantFile    bool
	}{
		{name: "user declines", answer: false, wantOutcome: Cancelled, wantFile: false},
		{name: "user accepts", answer: true, wantOutcome: Applied, wantFile: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.remote.Put("a.txt", []byte("a"))
			confirm := &mockConfirmer{answers: []bool{tt.answer}}

			outcome, err := f.engine(config.ConfirmPrompt, confirm).Pull(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("expected %s, got %s", tt.wantOutcome, outcome)
			}
			if len(confirm.questions) != 1 || confirm.questions[0] != confirmQuestion {
				t.Errorf("unexpected prompts %v", confirm.questions)
			}
			if f.localExists(t, "a.txt") != tt.wantFile {
				t.Errorf("a.txt exists = %v, want %v", !tt.wantFile, tt.wantFile)
			}
			if !tt.answer && !strings.Contains(f.out.String(), "Canceled by user!") {
				t.Errorf("expected cancel message, got %q", f.out.String())
			}
		})
	}
}

func TestPolicyPrompt_ConfirmError(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("a.txt", []byte("a"))
	errInput := errors.New("stdin closed")

	outcome, err := f.engine(config.ConfirmPrompt, &mockConfirmer{err: errInput}).Pull(context.Background())
	if !errors.Is(err, errInput) {
		t.Fatalf("expected confirm error, got %v", err)
	}
	if outcome != Failed {
		t.Errorf("expected failed, got %s", outcome)
	}
}

func TestPolicyPrompt_NotAskedWhenNothingToDo(t *testing.T) {
	f := newFixture(t, nil)
	confirm := &mockConfirmer{answers: []bool{true}}

	outcome, err := f.engine(config.ConfirmPrompt, confirm).Push(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NothingToDo {
		t.Errorf("expected nothing to do, got %s", outcome)
	}
	if len(confirm.questions) != 0 {
		t.Errorf("confirmer should not be asked, got %v", confirm.questions)
	}
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, map[string]string{"/local.txt": "l"})
	f.remote.Put("remote.txt", []byte("r"))
	confirm := &mockConfirmer{answers: []bool{true, true}}

	e := f.engine(config.ConfirmPrompt, confirm, func(o *Options) { o.DryRun = true })

	for _, run := range []func(context.Context) (Outcome, error){e.Pull, e.Push} {
		outcome, err := run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if outcome != Previewed {
			t.Errorf("expected previewed, got %s", outcome)
		}
	}

	if len(confirm.questions) != 0 {
		t.Errorf("dry run must not prompt, got %v", confirm.questions)
	}
	if f.localExists(t, "remote.txt") {
		t.Error("dry run downloaded a file")
	}
	if calls := f.remote.Calls(); len(calls) != 0 {
		t.Errorf("dry run mutated remote: %v", calls)
	}
}

func TestSync_PushRunsAfterPullFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"/local.txt": "l"})
	f.remote.Put("remote.txt", []byte("r"))
	errBoom := errors.New("boom")
	f.remote.FailOn("Download", errBoom)

	err := f.engine(config.ConfirmAlways, nil).Sync(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected pull error to surface, got %v", err)
	}
	if !strings.Contains(err.Error(), "pull:") {
		t.Errorf("expected pull prefix in %q", err)
	}
	if _, data, ok := f.remote.Lookup("local.txt"); !ok || string(data) != "l" {
		t.Error("push should still upload local.txt")
	}
}

func TestSync_ConvergesBothSides(t *testing.T) {
	f := newFixture(t, map[string]string{"/shared.txt": "same"})
	f.remote.Put("shared.txt", []byte("same"))
	f.remote.Put("from-remote.txt", []byte("r"))

	e := f.engine(config.ConfirmAlways, nil)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.localExists(t, "from-remote.txt") {
		t.Error("pull should download from-remote.txt")
	}

	res, err := e.Fetch(context.Background(), DirectionPush)
	if err != nil {
		t.Fatal(err)
	}
	if !res.LocalToRemote.Empty() || !res.RemoteToLocal.Empty() {
		t.Errorf("trees should match after sync: %+v / %+v", res.LocalToRemote, res.RemoteToLocal)
	}
}

func TestFetch_Preview(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/changed.txt": "local version",
		"/extra/":      "",
	})
	f.remote.Put("a.txt", []byte("a"))
	f.remote.Put("changed.txt", []byte("remote"))

	res, err := f.engine(config.ConfirmAlways, nil).Fetch(context.Background(), DirectionPull)
	if err != nil {
		t.Fatal(err)
	}
	if res.RemoteToLocal.Len() != 3 {
		t.Errorf("expected 3 pull changes, got %+v", res.RemoteToLocal)
	}

	out := f.out.String()
	for _, want := range []string{
		"Following changes will take place in Local:",
		"Additions (1):",
		"+ docs/a.txt",
		"Modifications (1):",
		"* docs/changed.txt",
		"Deletions (1):",
		"- docs/extra/",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("preview missing %q:\n%s", want, out)
		}
	}
}

func TestReportAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.Put("a.txt", []byte("hello"))
	reportPath := filepath.Join(t.TempDir(), "state", "last-run.json")
	m := metrics.New("")

	e := f.engine(config.ConfirmAlways, nil, func(o *Options) {
		o.ReportPath = reportPath
		o.Metrics = m
	})
	if _, err := e.Pull(context.Background()); err != nil {
		t.Fatal(err)
	}

	r, err := LoadReport(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		t.Fatal("expected a saved report")
	}
	if r.Direction != DirectionPull || r.Outcome != "applied" || r.Additions != 1 {
		t.Errorf("unexpected report %+v", r)
	}
	if r.FinishedAt.Before(r.StartedAt) {
		t.Errorf("finished before started: %+v", r)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "gloader_transfers_total", "gloader_last_run_timestamp_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("expected transfer and run metrics to be recorded")
	}
}

func TestLoadReport_Missing(t *testing.T) {
	r, err := LoadReport(filepath.Join(t.TempDir(), "none.json"))
	if err != nil || r != nil {
		t.Errorf("expected nil, nil for missing report, got %v, %v", r, err)
	}
}
