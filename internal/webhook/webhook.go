// Package webhook receives Google Drive change notifications and runs a
// debounced, single-flight sync for each burst of them.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Drive push notification headers.
const (
	headerChannelToken  = "X-Goog-Channel-Token"
	headerChannelID     = "X-Goog-Channel-Id"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"

	stateSync = "sync" // sent once when a channel is created
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Options configures the server.
type Options struct {
	ListenAddr string
	TokenFile  string // expected X-Goog-Channel-Token, empty disables the check
	Debounce   time.Duration
	Metrics    http.Handler // served on /metrics when set
}

// Server implements the notification HTTP server
type Server struct {
	opts        Options
	syncer      Syncer
	logger      *slog.Logger
	token       []byte
	baseCtx     context.Context
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool
	syncPending bool
	debounce    *debouncer
}

// debouncer collapses bursts of notifications into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new notification server
func NewServer(opts Options, syncer Syncer, logger *slog.Logger) (*Server, error) {
	var token []byte
	if opts.TokenFile != "" {
		data, err := os.ReadFile(opts.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read channel token: %w", err)
		}
		token = []byte(strings.TrimSpace(string(data)))
		if len(token) == 0 {
			return nil, errors.New("channel token file is empty")
		}
	} else {
		logger.Warn("no channel token configured, notifications are not authenticated")
	}

	return &Server{
		opts:     opts,
		syncer:   syncer,
		logger:   logger,
		token:    token,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: opts.Debounce},
	}, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleNotification)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, "ok")
	})
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Start performs an initial sync and then serves notifications until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting notification server")
	s.performSync(ctx)

	server := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := socketListener()
	if err != nil {
		return err
	}
	if ln == nil {
		ln, err = net.Listen("tcp", s.opts.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddr, err)
		}
	} else {
		s.logger.Info("using socket-activated listener", "addr", ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("notification server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down notification server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleNotification handles one Drive push notification
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.verifyToken(r.Header.Get(headerChannelToken)) {
		s.logger.Warn("rejecting notification with invalid channel token",
			"channel", r.Header.Get(headerChannelID))
		http.Error(w, "Invalid channel token", http.StatusForbidden)
		return
	}

	state := r.Header.Get(headerResourceState)
	if state == "" {
		s.logger.Warn("rejecting notification without resource state")
		http.Error(w, "Missing resource state", http.StatusBadRequest)
		return
	}

	s.logger.Info("received notification",
		"channel", r.Header.Get(headerChannelID),
		"state", state,
		"message", r.Header.Get(headerMessageNumber))

	if state == stateSync {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Channel registered\n")
		return
	}

	s.debounce.trigger(func() {
		s.performSync(s.baseCtx)
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

func (s *Server) verifyToken(got string) bool {
	if s.token == nil {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), s.token) == 1
}

// performSync runs the syncer with single-flight semantics. A request
// arriving while a sync runs queues at most one re-run.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")
		if err := s.syncer.Sync(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		} else {
			s.logger.Info("sync completed successfully")
		}

		s.syncMu.Lock()
		if !s.syncPending || ctx.Err() != nil {
			s.syncRunning = false
			s.syncPending = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules callback after the debounce delay, replacing any
// callback still waiting.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
