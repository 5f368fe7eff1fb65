package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mko/gloader/internal/builder"
	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/lock"
	"github.com/mko/gloader/internal/logging"
	"github.com/mko/gloader/internal/metrics"
	"github.com/mko/gloader/internal/progress"
	"github.com/mko/gloader/internal/prompt"
	"github.com/mko/gloader/internal/retry"
	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/store/drive"
	"github.com/mko/gloader/internal/store/local"
	"github.com/mko/gloader/internal/store/s3store"
	"github.com/mko/gloader/internal/sync"
	"github.com/mko/gloader/internal/tree"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run flags
	assumeYes bool
	dryRun    bool
)

const notConfiguredMsg = "Configuration is not set, please provide the settings path using 'gloader settings set <dir>'."

// Replaced in tests.
var (
	newSettings           = config.NewSettings
	stdin       io.Reader = os.Stdin
	openBackend           = defaultOpenBackend
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gloader",
	Short: "Keep a local directory in sync with a remote folder",
	Long: `gloader reconciles a local directory with a folder in Google Drive or an
S3 bucket. It builds a tree of both sides, previews the differences and
applies them in either direction after confirmation.

Local files removed by a pull are moved to a dated backup directory and
remote files removed by a push go to the remote trash.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "gloader %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the path recorded by 'gloader settings set')")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, c := range []*cobra.Command{pullCmd, pushCmd, syncCmd, uploadCmd, clearCmd} {
		c.Flags().BoolVarP(&assumeYes, "yes", "y", false, "apply changes without asking")
	}
	for _, c := range []*cobra.Command{pullCmd, pushCmd, syncCmd, uploadCmd} {
		c.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	}

	rootCmd.AddCommand(fetchCmd, pullCmd, pushCmd, syncCmd, uploadCmd, statusCmd)
	rootCmd.AddCommand(lsCmd, grantCmd, permissionsCmd, dropPermissionCmd, rmCmd, clearCmd, trashCmd, moveCmd)
	rootCmd.AddCommand(serveCmd, settingsCmd, versionCmd)
}

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer
	raw     store.Backend
	backend store.Backend
	baseID  string
	metrics *metrics.Metrics
	lock    *lock.Lock
}

// newApp loads the configuration, sets up logging and opens the backend.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  logLevel,
		Format: logFormat,
		Dir:    cfg.Logs.Dir,
		Keep:   cfg.Logs.Keep,
		Stdout: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	logger.Debug("configuration loaded",
		"local", cfg.Local.Path,
		"backend", cfg.Remote.Backend,
		"folder", cfg.Remote.Folder,
		"state_dir", cfg.Paths.StateDir)

	raw, baseID, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Remote.Backend, err)
	}

	backend := retry.WrapBackend(raw, retry.Config{
		MaxAttempts:     cfg.Sync.Retry.MaxAttempts,
		InitialInterval: cfg.Sync.Retry.InitialInterval,
		MaxInterval:     cfg.Sync.Retry.MaxInterval,
	}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		closer:  closer,
		raw:     raw,
		backend: backend,
		baseID:  baseID,
		metrics: metrics.New(cfg.Metrics.Textfile),
	}, nil
}

func (a *app) Close() {
	if err := a.lock.Release(); err != nil {
		a.logger.Warn("failed to release lock", "error", err)
	}
	_ = a.closer.Close()
}

// acquire takes the single-run lock for the rest of the command.
func (a *app) acquire() error {
	l, err := lock.Acquire(a.cfg.LockPath())
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w (lock file %s)", err, a.cfg.LockPath())
		}
		return err
	}
	a.lock = l
	return nil
}

// syncRootID resolves the configured remote folder below the base id.
func (a *app) syncRootID(ctx context.Context) (string, error) {
	id, err := store.ResolvePath(ctx, a.backend, a.baseID, tree.SplitPath(a.cfg.Remote.Folder), a.cfg.Remote.Create)
	if err != nil {
		return "", fmt.Errorf("failed to resolve remote folder %q: %w", a.cfg.Remote.Folder, err)
	}
	return id, nil
}

// policy applies --yes on top of the configured confirm policy.
func (a *app) policy() config.ConfirmPolicy {
	if assumeYes {
		return config.ConfirmAlways
	}
	return a.cfg.Sync.Confirm
}

// newEngine builds an engine reconciling localDir with the remote rootID.
func (a *app) newEngine(cmd *cobra.Command, rootName, rootID, localDir string, policy config.ConfirmPolicy) *sync.Engine {
	out := cmd.OutOrStdout()
	opts := sync.Options{
		RootName:   rootName,
		RootID:     rootID,
		Policy:     policy,
		DryRun:     dryRun,
		Ignore:     builder.NewIgnore(a.cfg.IgnoreLines(localDir)...),
		Out:        out,
		ReportPath: a.cfg.ReportPath(),
		Metrics:    a.metrics,
		Progress:   progress.New(out),
	}
	ls := local.NewOS(localDir, a.cfg.Local.BackupDir)
	return sync.NewEngine(opts, a.backend, ls, promptFor(cmd), a.logger)
}

func promptFor(cmd *cobra.Command) *prompt.Confirmer {
	return prompt.New(stdin, cmd.OutOrStdout())
}

// configEngine builds the engine for the configured local path and remote folder.
func (a *app) configEngine(ctx context.Context, cmd *cobra.Command) (*sync.Engine, error) {
	rootID, err := a.syncRootID(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.Local.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}
	return a.newEngine(cmd, a.cfg.RootName(), rootID, a.cfg.Local.Path, a.policy()), nil
}

// defaultOpenBackend connects to the configured remote and returns it with
// the id that remote.folder is resolved below.
func defaultOpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, string, error) {
	switch cfg.Remote.Backend {
	case config.BackendS3:
		s, err := s3store.New(ctx, s3store.Options{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
			PartSize:     cfg.S3.PartSize,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		base := cfg.Remote.ParentID
		if base == "" {
			base = s.RootID()
		}
		return s, base, nil
	default:
		d, err := drive.New(ctx, drive.Options{
			CredentialsFile: cfg.Drive.CredentialsFile,
			UseToken:        cfg.Drive.UseToken,
			TokenFile:       cfg.Drive.TokenFile,
			Scopes:          cfg.Drive.Scopes,
			ChunkSize:       cfg.Drive.ChunkSize,
			AuthIn:          stdin,
			AuthOut:         os.Stdout,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return d, cfg.Remote.ParentID, nil
	}
}

// configPath resolves --config or the recorded settings directory.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}

	settings, err := newSettings()
	if err != nil {
		return "", err
	}
	path, err := settings.ConfigPath()
	if errors.Is(err, config.ErrNotConfigured) {
		return "", errors.New(notConfiguredMsg)
	}
	return path, err
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
