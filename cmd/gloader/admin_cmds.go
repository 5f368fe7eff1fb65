package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mko/gloader/internal/builder"
	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/tree"
)

const (
	myDriveLabel = "My Drive"
	sharedLabel  = "Shared with me"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "Print the remote tree and the items shared with you",
	Long: `Ls prints the folder tree below the configured parent, or below path when
given, followed by the items other users shared with you.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var grantCmd = &cobra.Command{
	Use:   "grant <id> <email> <role>",
	Short: "Give a user access to a file or folder",
	Args:  cobra.ExactArgs(3),
	RunE:  runGrant,
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions <id>",
	Short: "List the permissions of a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissions,
}

var dropPermissionCmd = &cobra.Command{
	Use:   "drop-permission <id> <permission-id>",
	Short: "Remove a permission from a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runDropPermission,
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Permanently delete a file or folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

var clearCmd = &cobra.Command{
	Use:   "clear [id]",
	Short: "Permanently delete everything inside a folder",
	Long:  `Clear deletes every child of the folder id, or of the configured sync folder when no id is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runClear,
}

var trashCmd = &cobra.Command{
	Use:   "trash",
	Short: "Inspect or empty the remote trash",
}

var trashListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trashed items",
	Args:  cobra.NoArgs,
	RunE:  runTrashList,
}

var trashEmptyCmd = &cobra.Command{
	Use:   "empty",
	Short: "Permanently delete every trashed item",
	Args:  cobra.NoArgs,
	RunE:  runTrashEmpty,
}

var moveCmd = &cobra.Command{
	Use:   "move <src-id> <dst-id>",
	Short: "Move the contents of one folder into another",
	Args:  cobra.ExactArgs(2),
	RunE:  runMove,
}

func init() {
	trashCmd.AddCommand(trashListCmd, trashEmptyCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := builder.Options{Ignore: builder.NewIgnore(a.cfg.Local.Ignore...), Logger: a.logger}
	label := myDriveLabel
	rootID := a.baseID
	if len(args) == 1 {
		segments := tree.SplitPath(args[0])
		if rootID, err = store.ResolvePath(ctx, a.backend, a.baseID, segments, false); err != nil {
			return fmt.Errorf("failed to resolve %q: %w", args[0], err)
		}
		if len(segments) > 0 {
			label = segments[len(segments)-1]
		}
	}

	out := cmd.OutOrStdout()
	owned := tree.New()
	if err := builder.BuildRemote(ctx, a.backend, owned, label, rootID, opts); err != nil {
		return err
	}
	if err := owned.Fprint(out, nil); err != nil {
		return err
	}

	shared, err := a.backend.ListShared(ctx)
	if errors.Is(err, store.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list shared items: %w", err)
	}

	st := tree.New()
	root, err := st.Add([]string{sharedLabel}, "", true, 0)
	if err != nil {
		return err
	}
	for _, e := range shared {
		if !e.IsDir {
			if _, err := st.Add([]string{sharedLabel, e.Name}, e.ID, false, e.Size); err != nil {
				a.logger.Warn("skipping shared item", "name", e.Name, "error", err)
			}
			continue
		}
		sub := tree.New()
		if err := builder.BuildRemote(ctx, a.backend, sub, e.Name, e.ID, opts); err != nil {
			a.logger.Warn("failed to list shared folder", "name", e.Name, "error", err)
			continue
		}
		graft(st, []string{sharedLabel}, sub)
	}

	_, _ = fmt.Fprintln(out)
	return st.Fprint(out, root)
}

// graft copies every node of src below prefix in dst.
func graft(dst *tree.Tree, prefix []string, src *tree.Tree) {
	for _, r := range src.Roots() {
		_ = src.Walk(r, func(path []string, n *tree.Node) error {
			full := append(append([]string(nil), prefix...), path...)
			_, err := dst.Add(full, n.ID, n.IsDir, n.Size)
			return err
		})
	}
}

func runGrant(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.backend.Grant(ctx, args[0], store.Permission{
		Type:         "user",
		Role:         args[2],
		EmailAddress: args[1],
	})
	if err != nil {
		return fmt.Errorf("failed to grant %s to %s: %w", args[2], args[1], err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Granted %s to %s (permission %s)\n", p.Role, p.EmailAddress, p.ID)
	return nil
}

func runPermissions(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	perms, err := a.backend.ListPermissions(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to list permissions: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tROLE\tEMAIL")
	for _, p := range perms {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Type, p.Role, p.EmailAddress)
	}
	return tw.Flush()
}

func runDropPermission(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backend.DropPermission(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("failed to drop permission: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Dropped permission %s from %s\n", args[1], args[0])
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backend.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete %s: %w", args[0], err)
	}
	a.logger.Info("deleted", "id", args[0])
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	if len(args) == 1 {
		id = args[0]
	} else if id, err = a.syncRootID(ctx); err != nil {
		return err
	}

	ok, err := confirmOrCancel(ctx, cmd, a, fmt.Sprintf("Delete everything inside %s permanently?", id))
	if err != nil || !ok {
		return err
	}

	n, err := store.ClearFolder(ctx, a.backend, id)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d items\n", n)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", id, err)
	}
	return nil
}

func runTrashList(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.backend.ListTrash(ctx)
	if err != nil {
		return fmt.Errorf("failed to list trash: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "Trash is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tTYPE")
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "folder"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Name, kind)
	}
	return tw.Flush()
}

func runTrashEmpty(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.backend.EmptyTrash(ctx); err != nil {
		return fmt.Errorf("failed to empty trash: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Trash emptied")
	return nil
}

func runMove(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := store.MoveContents(ctx, a.backend, a.backend, args[0], args[1])
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Moved %d items\n", n)
	return err
}
