// Package retry decorates a remote store with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/googleapi"

	"github.com/mko/gloader/internal/store"
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts     int // total attempts, including the first
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Remote retries transient failures of the wrapped store.Remote.
type Remote struct {
	next   store.Remote
	cfg    Config
	logger *slog.Logger
}

var _ store.Remote = (*Remote)(nil)

// Wrap returns next decorated with retries.
func Wrap(next store.Remote, cfg Config, logger *slog.Logger) *Remote {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Remote{next: next, cfg: cfg, logger: logger}
}

// Backend retries the Remote half of a store.Backend and passes Admin calls
// straight through.
type Backend struct {
	*Remote
	store.Admin
}

// WrapBackend decorates b's transfer operations with retries.
func WrapBackend(b store.Backend, cfg Config, logger *slog.Logger) *Backend {
	return &Backend{Remote: Wrap(b, cfg, logger), Admin: b}
}

func (r *Remote) ListChildren(ctx context.Context, parentID string) ([]store.Entry, error) {
	return do(ctx, r, call[[]store.Entry]{
		op:         "ListChildren",
		idempotent: true,
		fn: func() ([]store.Entry, error) {
			return r.next.ListChildren(ctx, parentID)
		},
	})
}

// CreateDirectory retries a failure without a response only after checking
// that the failed attempt did not create the folder.
func (r *Remote) CreateDirectory(ctx context.Context, name, parentID string) (string, error) {
	return do(ctx, r, call[string]{
		op: "CreateDirectory",
		fn: func() (string, error) {
			return r.next.CreateDirectory(ctx, name, parentID)
		},
		committed: func() (string, bool) {
			return r.lookup(ctx, name, parentID, true, 0)
		},
	})
}

// Upload is retried only when rd can be rewound, and like CreateDirectory
// checks for an object committed by the failed attempt first.
func (r *Remote) Upload(ctx context.Context, name, parentID string, rd io.Reader, size int64, progress store.ProgressFunc) (string, error) {
	seeker, ok := rd.(io.Seeker)
	if !ok {
		return r.next.Upload(ctx, name, parentID, rd, size, progress)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return r.next.Upload(ctx, name, parentID, rd, size, progress)
	}

	first := true
	return do(ctx, r, call[string]{
		op: "Upload",
		fn: func() (string, error) {
			if !first {
				if _, err := seeker.Seek(start, io.SeekStart); err != nil {
					return "", backoff.Permanent(fmt.Errorf("failed to rewind upload source: %w", err))
				}
			}
			first = false
			return r.next.Upload(ctx, name, parentID, rd, size, progress)
		},
		committed: func() (string, bool) {
			return r.lookup(ctx, name, parentID, false, size)
		},
	})
}

type truncater interface {
	io.Seeker
	Truncate(size int64) error
}

// Download is retried only when w can be truncated and rewound.
func (r *Remote) Download(ctx context.Context, id string, w io.Writer, progress store.ProgressFunc) error {
	t, ok := w.(truncater)
	if !ok {
		return r.next.Download(ctx, id, w, progress)
	}

	first := true
	_, err := do(ctx, r, call[struct{}]{
		op:         "Download",
		idempotent: true,
		fn: func() (struct{}, error) {
			if !first {
				if err := t.Truncate(0); err != nil {
					return struct{}{}, backoff.Permanent(err)
				}
				if _, err := t.Seek(0, io.SeekStart); err != nil {
					return struct{}{}, backoff.Permanent(err)
				}
			}
			first = false
			return struct{}{}, r.next.Download(ctx, id, w, progress)
		},
	})
	return err
}

func (r *Remote) Trash(ctx context.Context, id string) error {
	_, err := do(ctx, r, call[struct{}]{
		op:         "Trash",
		idempotent: true,
		fn: func() (struct{}, error) {
			return struct{}{}, r.next.Trash(ctx, id)
		},
	})
	return err
}

// Delete treats a missing object on a retry as deleted by the failed attempt.
func (r *Remote) Delete(ctx context.Context, id string) error {
	attempt := 0
	_, err := do(ctx, r, call[struct{}]{
		op:         "Delete",
		idempotent: true,
		fn: func() (struct{}, error) {
			attempt++
			err := r.next.Delete(ctx, id)
			if attempt > 1 && errors.Is(err, store.ErrNotFound) {
				return struct{}{}, nil
			}
			return struct{}{}, err
		},
	})
	return err
}

// lookup returns the id of the child of parentID matching a create call.
func (r *Remote) lookup(ctx context.Context, name, parentID string, isDir bool, size int64) (string, bool) {
	entries, err := r.next.ListChildren(ctx, parentID)
	if err != nil {
		r.logger.Warn("failed to check for a committed object", "name", name, "error", err)
		return "", false
	}
	for _, e := range entries {
		if e.Name == name && e.IsDir == isDir && (isDir || e.Size == size) {
			return e.ID, true
		}
	}
	return "", false
}

func (r *Remote) schedule(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1)), ctx)
}

// call describes one wrapped operation. Ambiguous failures are retried when
// the operation is idempotent, or when committed reports that the failed
// attempt left nothing behind.
type call[T any] struct {
	op         string
	idempotent bool
	fn         func() (T, error)
	committed  func() (T, bool)
}

func do[T any](ctx context.Context, r *Remote, c call[T]) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		if attempt > 1 && c.committed != nil {
			if v, ok := c.committed(); ok {
				r.logger.Info("failed attempt took effect, using the existing object", "op", c.op)
				return v, nil
			}
		}

		v, err := c.fn()
		if err == nil {
			return v, nil
		}
		switch Classify(ctx, err) {
		case Transient:
			return v, err
		case Ambiguous:
			if c.idempotent || c.committed != nil {
				return v, err
			}
		}
		return v, backoff.Permanent(err)
	}, r.schedule(ctx), func(err error, wait time.Duration) {
		r.logger.Warn("remote call failed, retrying",
			"op", c.op,
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"wait", wait,
			"error", err)
	})
}

// Class is the retry verdict for a failed call.
type Class int

const (
	// Permanent failures fail the same way on every attempt.
	Permanent Class = iota
	// Transient failures were rejected by the server without effect.
	Transient
	// Ambiguous failures got no response; the request may have been applied.
	Ambiguous
)

// rateLimitReasons are the 403 reasons Drive uses for throttling.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// Classify decides whether err may succeed on another attempt. Responses
// with status 429 or 5xx are transient, other statuses are permanent, and
// transport failures without a response are ambiguous.
func Classify(ctx context.Context, err error) Class {
	if ctx.Err() != nil {
		return Permanent
	}
	for _, permanent := range []error{
		store.ErrNotFound,
		store.ErrUnsupported,
		store.ErrInvalidName,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, permanent) {
			return Permanent
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if gerr.Code == http.StatusForbidden && rateLimitReasons[item.Reason] {
				return Transient
			}
		}
		return classifyStatus(gerr.Code)
	}
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		return classifyStatus(resp.HTTPStatusCode())
	}

	var nerr net.Error
	if errors.As(err, &nerr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Ambiguous
	}
	return Permanent
}

func classifyStatus(code int) Class {
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return Transient
	}
	return Permanent
}
