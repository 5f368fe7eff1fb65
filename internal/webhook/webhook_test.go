package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockSyncer counts Sync calls and can block or fail them
type mockSyncer struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	started chan struct{}
}

func (m *mockSyncer) Sync(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.release != nil {
		<-m.release
	}
	return m.err
}

func (m *mockSyncer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeToken(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channel_token")
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		t.Fatalf("failed to write token file: %v", err)
	}
	return path
}

func newTestServer(t *testing.T, syncer Syncer) *Server {
	t.Helper()
	s, err := NewServer(Options{
		ListenAddr: "127.0.0.1:0",
		TokenFile:  writeToken(t, "secret-token"),
		Debounce:   10 * time.Millisecond,
	}, syncer, testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewServer_TokenFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewServer(Options{TokenFile: filepath.Join(t.TempDir(), "nope")}, &mockSyncer{}, testLogger())
		if err == nil {
			t.Fatal("expected error for missing token file")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := NewServer(Options{TokenFile: writeToken(t, "  ")}, &mockSyncer{}, testLogger())
		if err == nil {
			t.Fatal("expected error for empty token file")
		}
	})

	t.Run("no token configured", func(t *testing.T) {
		s, err := NewServer(Options{}, &mockSyncer{}, testLogger())
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}
		if !s.verifyToken("anything") {
			t.Error("expected any token to pass when none is configured")
		}
	})
}

func TestHandleNotification(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		token      string
		state      string
		wantStatus int
		wantSync   bool
	}{
		{"change triggers sync", http.MethodPost, "secret-token", "change", http.StatusOK, true},
		{"update triggers sync", http.MethodPost, "secret-token", "update", http.StatusOK, true},
		{"sync state is acknowledged", http.MethodPost, "secret-token", "sync", http.StatusOK, false},
		{"wrong token", http.MethodPost, "other", "change", http.StatusForbidden, false},
		{"missing token", http.MethodPost, "", "change", http.StatusForbidden, false},
		{"missing state", http.MethodPost, "secret-token", "", http.StatusBadRequest, false},
		{"GET rejected", http.MethodGet, "secret-token", "change", http.StatusMethodNotAllowed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &mockSyncer{}
			s := newTestServer(t, syncer)

			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.token != "" {
				req.Header.Set(headerChannelToken, tt.token)
			}
			if tt.state != "" {
				req.Header.Set(headerResourceState, tt.state)
			}
			req.Header.Set(headerChannelID, "chan-1")
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantSync {
				waitFor(t, func() bool { return syncer.count() == 1 })
				return
			}
			time.Sleep(30 * time.Millisecond)
			if n := syncer.count(); n != 0 {
				t.Errorf("sync calls = %d, want 0", n)
			}
		})
	}
}

func TestHandleNotification_Debounces(t *testing.T) {
	syncer := &mockSyncer{}
	s, err := NewServer(Options{
		TokenFile: writeToken(t, "secret-token"),
		Debounce:  50 * time.Millisecond,
	}, syncer, testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(headerChannelToken, "secret-token")
		req.Header.Set(headerResourceState, "change")
		s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	waitFor(t, func() bool { return syncer.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := syncer.count(); n != 1 {
		t.Errorf("sync calls = %d, want 1", n)
	}
}

func TestPerformSync_QueuesSingleRerun(t *testing.T) {
	syncer := &mockSyncer{
		release: make(chan struct{}),
		started: make(chan struct{}, 10),
	}
	s := newTestServer(t, syncer)

	done := make(chan struct{})
	go func() {
		s.performSync(context.Background())
		close(done)
	}()
	<-syncer.started

	// These arrive while the first run is in flight and collapse to one re-run.
	s.performSync(context.Background())
	s.performSync(context.Background())
	s.performSync(context.Background())

	syncer.release <- struct{}{}
	<-syncer.started
	syncer.release <- struct{}{}
	<-done

	if n := syncer.count(); n != 2 {
		t.Errorf("sync calls = %d, want 2", n)
	}
}

func TestPerformSync_LogsFailure(t *testing.T) {
	syncer := &mockSyncer{err: errors.New("boom")}
	s := newTestServer(t, syncer)

	s.performSync(context.Background())

	if n := syncer.count(); n != 1 {
		t.Errorf("sync calls = %d, want 1", n)
	}
	if s.syncRunning || s.syncPending {
		t.Error("expected sync state to be reset after failure")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	s, err := NewServer(Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("gloader_runs_total 1\n"))
		}),
	}, &mockSyncer{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	for path, want := range map[string]string{
		"/healthz": "ok",
		"/metrics": "gloader_runs_total",
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("%s body = %q, want it to contain %q", path, rec.Body.String(), want)
		}
	}
}

func TestStart_InitialSyncAndShutdown(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	syncer := &mockSyncer{}
	s := newTestServer(t, syncer)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()

	waitFor(t, func() bool { return syncer.count() == 1 })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestSocketListener(t *testing.T) {
	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{"not activated", "", "", false},
		{"other process", "1", "1", false},
		{"invalid pid", "abc", "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)

			ln, err := socketListener()
			if (err != nil) != tt.wantErr {
				t.Fatalf("socketListener() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ln != nil {
				t.Error("expected no listener")
			}
		})
	}
}
