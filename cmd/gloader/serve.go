package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/store/drive"
	"github.com/mko/gloader/internal/webhook"
)

// channelTTL is how long a Drive notification channel is requested for.
const channelTTL = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync whenever the remote reports a change",
	Long: `Serve runs an initial sync and then listens for Google Drive push
notifications, running a debounced sync for each burst of changes.

When serve.notify_address is set and the backend is Google Drive, a change
notification channel pointing at that address is registered on start and
stopped on shutdown. Changes are applied without prompting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// watcher is implemented by backends that can push change notifications.
type watcher interface {
	Watch(ctx context.Context, address, token string, ttl time.Duration) (*drive.Channel, error)
	StopWatch(ctx context.Context, ch *drive.Channel) error
}

func runServe(cmd *cobra.Command, args []string) error {
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

	rootID, err := a.syncRootID(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.Local.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	engine := a.newEngine(cmd, a.cfg.RootName(), rootID, a.cfg.Local.Path, config.ConfirmAlways)

	server, err := webhook.NewServer(webhook.Options{
		ListenAddr: a.cfg.Serve.ListenAddr,
		TokenFile:  a.cfg.Serve.ChannelTokenFile,
		Debounce:   a.cfg.Serve.Debounce,
		Metrics:    a.metrics.Handler(),
	}, engine, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create notification server: %w", err)
	}

	if stop, err := a.watchChanges(ctx); err != nil {
		return err
	} else if stop != nil {
		defer stop()
	}

	return server.Start(ctx)
}

// watchChanges registers a notification channel when configured and returns
// a func that stops it.
func (a *app) watchChanges(ctx context.Context) (func(), error) {
	if a.cfg.Serve.NotifyAddress == "" {
		return nil, nil
	}
	w, ok := a.raw.(watcher)
	if !ok {
		a.logger.Warn("backend does not support change notifications, ignoring serve.notify_address",
			"backend", a.cfg.Remote.Backend)
		return nil, nil
	}

	token := ""
	if a.cfg.Serve.ChannelTokenFile != "" {
		data, err := os.ReadFile(a.cfg.Serve.ChannelTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read channel token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	ch, err := w.Watch(ctx, a.cfg.Serve.NotifyAddress, token, channelTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to register change notifications: %w", err)
	}
	a.logger.Info("registered change notification channel", "channel", ch.ID, "expires", ch.Expiration)

	return func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := w.StopWatch(stopCtx, ch); err != nil {
			a.logger.Warn("failed to stop change notification channel", "channel", ch.ID, "error", err)
		}
	}, nil
}
