package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/sync"
	"github.com/mko/gloader/internal/tree"
)

var (
	fetchDirection string
	uploadParent   string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Preview the changes a pull or push would apply",
	Long: `Fetch builds the local and remote trees and prints the additions,
modifications and deletions that the given direction would apply. Nothing
is changed on either side.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Make the local directory match the remote folder",
	Long: `Pull downloads remote additions and modifications into the local
directory. Local files missing on the remote side are moved to the dated
backup directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDirection(cmd, sync.DirectionPull)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Make the remote folder match the local directory",
	Long: `Push uploads local additions and modifications to the remote folder.
Remote files missing locally are moved to the remote trash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDirection(cmd, sync.DirectionPush)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull and then push",
	Long: `Sync runs a pull followed by a push. A failed pull does not stop the
push; both errors are reported.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <local-dir> <remote/path>",
	Short: "Push a local directory into a remote folder path",
	Long: `Upload resolves the remote folder path below the configured parent (or
--parent), creating missing folders, and pushes the contents of the local
directory into it.`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the result of the last pull or push",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchDirection, "direction", string(sync.DirectionPull), "direction to preview (pull, push)")
	uploadCmd.Flags().StringVar(&uploadParent, "parent", "", "remote folder id to resolve the path below")
}

func runFetch(cmd *cobra.Command, args []string) error {
	dir := sync.Direction(fetchDirection)
	if dir != sync.DirectionPull && dir != sync.DirectionPush {
		return fmt.Errorf("invalid direction %q (must be pull or push)", fetchDirection)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.configEngine(ctx, cmd)
	if err != nil {
		return err
	}

	if _, err := engine.Fetch(ctx, dir); err != nil {
		a.logger.Error("fetch failed", "error", err)
		return err
	}
	return nil
}

func runDirection(cmd *cobra.Command, dir sync.Direction) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.acquire(); err != nil {
		return err
	}

	engine, err := a.configEngine(ctx, cmd)
	if err != nil {
		return err
	}

	run := engine.Pull
	if dir == sync.DirectionPush {
		run = engine.Push
	}

	a.logger.Info("starting operation", "direction", dir)
	outcome, err := run(ctx)
	if err != nil {
		a.logger.Error("operation failed", "direction", dir, "error", err)
		return err
	}
	a.logger.Info("operation finished", "direction", dir, "outcome", outcome)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.acquire(); err != nil {
		return err
	}

	engine, err := a.configEngine(ctx, cmd)
	if err != nil {
		return err
	}

	a.logger.Info("starting sync operation")
	if err := engine.Sync(ctx); err != nil {
		a.logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	localDir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", args[0], err)
	}
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", localDir)
	}

	segments := tree.SplitPath(args[1])
	if len(segments) == 0 {
		return fmt.Errorf("remote path must name at least one folder")
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.acquire(); err != nil {
		return err
	}

	parent := uploadParent
	if parent == "" {
		parent = a.baseID
	}
	rootID, err := store.ResolvePath(ctx, a.backend, parent, segments, true)
	if err != nil {
		return fmt.Errorf("failed to resolve remote path %q: %w", args[1], err)
	}

	engine := a.newEngine(cmd, filepath.Base(localDir), rootID, localDir, a.policy())

	a.logger.Info("starting upload", "local", localDir, "remote", args[1], "id", rootID)
	outcome, err := engine.Push(ctx)
	if err != nil {
		a.logger.Error("upload failed", "error", err)
		return err
	}
	a.logger.Info("upload finished", "outcome", outcome)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	report, err := sync.LoadReport(cfg.ReportPath())
	if err != nil {
		return fmt.Errorf("failed to read last run report: %w", err)
	}

	out := cmd.OutOrStdout()
	if report == nil {
		_, _ = fmt.Fprintln(out, "No run recorded yet.")
		return nil
	}

	_, _ = fmt.Fprintf(out, "Last %s: %s\n", report.Direction, report.Outcome)
	_, _ = fmt.Fprintf(out, "  finished: %s (%s)\n",
		report.FinishedAt.Format(time.RFC3339), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "  changes:  %d additions, %d modifications, %d deletions\n",
		report.Additions, report.Modifications, report.Deletions)
	if report.Error != "" {
		_, _ = fmt.Fprintf(out, "  error:    %s\n", report.Error)
	}
	return nil
}

// confirmOrCancel asks before a destructive admin command unless --yes or
// the never/always policies decide.
func confirmOrCancel(ctx context.Context, cmd *cobra.Command, a *app, question string) (bool, error) {
	switch a.policy() {
	case config.ConfirmAlways:
		return true, nil
	case config.ConfirmNever:
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Canceled by user!")
		return false, nil
	}

	ok, err := promptFor(cmd).Confirm(ctx, question)
	if err != nil {
		return false, err
	}
	if !ok {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Canceled by user!")
	}
	return ok, nil
}
