// Package drive implements store.Backend on top of the Google Drive v3 API.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mko/gloader/internal/store"
)

const (
	// FolderMimeType marks Drive folders.
	FolderMimeType = "application/vnd.google-apps.folder"

	// Docs, Sheets and the like have no byte content to download.
	nativePrefix = "application/vnd.google-apps."

	fileFields       = "id, name, mimeType, size"
	listFields       = "nextPageToken, files(" + fileFields + ")"
	permissionFields = "id, type, role, emailAddress"
	pageSize         = 1000
)

// Options configures authentication and transfers.
type Options struct {
	CredentialsFile string
	UseToken        bool   // OAuth user flow instead of a service account
	TokenFile       string // cached OAuth token
	Scopes          []string
	ChunkSize       int // resumable upload chunk size, 0 uploads in one request
	AuthIn          io.Reader
	AuthOut         io.Writer
}

// Store talks to Google Drive.
type Store struct {
	svc       *drive.Service
	chunkSize int
	logger    *slog.Logger
}

var _ store.Backend = (*Store)(nil)

// New authenticates and returns a Store.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	var clientOpts []option.ClientOption
	if opts.UseToken {
		client, err := tokenClient(ctx, opts)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(client))
	} else {
		clientOpts = append(clientOpts,
			option.WithCredentialsFile(opts.CredentialsFile),
			option.WithScopes(opts.Scopes...))
	}

	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return NewWithService(svc, opts.ChunkSize, logger), nil
}

// NewWithService wraps an existing drive.Service.
func NewWithService(svc *drive.Service, chunkSize int, logger *slog.Logger) *Store {
	return &Store{svc: svc, chunkSize: chunkSize, logger: logger}
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]store.Entry, error) {
	q := fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(parentID))
	entries, err := s.list(ctx, q)
	if err != nil {
		return nil, s.wrap("ListChildren", parentID, err)
	}
	return entries, nil
}

func (s *Store) CreateDirectory(ctx context.Context, name, parentID string) (string, error) {
	if name == "" {
		return "", store.NewError("drive", "CreateDirectory", parentID, store.ErrInvalidName)
	}
	f, err := s.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", s.wrap("CreateDirectory", name, err)
	}
	return f.Id, nil
}

func (s *Store) Upload(ctx context.Context, name, parentID string, r io.Reader, size int64, progress store.ProgressFunc) (string, error) {
	if name == "" {
		return "", store.NewError("drive", "Upload", parentID, store.ErrInvalidName)
	}

	call := s.svc.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx)

	if s.chunkSize > 0 {
		call = call.Media(r, googleapi.ChunkSize(s.chunkSize))
	} else {
		call = call.Media(r)
	}
	if progress != nil {
		call = call.ProgressUpdater(func(current, total int64) {
			if total <= 0 {
				total = size
			}
			progress(current, total)
		})
	}

	f, err := call.Do()
	if err != nil {
		return "", s.wrap("Upload", name, err)
	}
	if progress != nil {
		progress(size, size)
	}
	return f.Id, nil
}

func (s *Store) Download(ctx context.Context, id string, w io.Writer, progress store.ProgressFunc) error {
	resp, err := s.svc.Files.Get(id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return s.wrap("Download", id, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	total := resp.ContentLength
	if _, err := io.Copy(w, store.TrackReader(resp.Body, total, progress)); err != nil {
		return s.wrap("Download", id, err)
	}
	return nil
}

func (s *Store) Trash(ctx context.Context, id string) error {
	_, err := s.svc.Files.Update(id, &drive.File{Trashed: true}).
		Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return s.wrap("Trash", id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.svc.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return s.wrap("Delete", id, err)
	}
	return nil
}

func (s *Store) ListTrash(ctx context.Context) ([]store.Entry, error) {
	entries, err := s.list(ctx, "trashed=true and 'me' in owners")
	if err != nil {
		return nil, s.wrap("ListTrash", "", err)
	}
	return entries, nil
}

func (s *Store) EmptyTrash(ctx context.Context) error {
	if err := s.svc.Files.EmptyTrash().Context(ctx).Do(); err != nil {
		return s.wrap("EmptyTrash", "", err)
	}
	return nil
}

func (s *Store) Grant(ctx context.Context, id string, p store.Permission) (store.Permission, error) {
	created, err := s.svc.Permissions.Create(id, &drive.Permission{
		Type:         p.Type,
		Role:         p.Role,
		EmailAddress: p.EmailAddress,
	}).Fields(permissionFields).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return store.Permission{}, s.wrap("Grant", id, err)
	}
	return permissionOf(created), nil
}

func (s *Store) ListPermissions(ctx context.Context, id string) ([]store.Permission, error) {
	var out []store.Permission
	err := s.svc.Permissions.List(id).
		Fields("nextPageToken", googleapi.Field("permissions("+permissionFields+")")).
		SupportsAllDrives(true).
		Pages(ctx, func(pl *drive.PermissionList) error {
			for _, p := range pl.Permissions {
				out = append(out, permissionOf(p))
			}
			return nil
		})
	if err != nil {
		return nil, s.wrap("ListPermissions", id, err)
	}
	return out, nil
}

func (s *Store) DropPermission(ctx context.Context, id, permissionID string) error {
	if err := s.svc.Permissions.Delete(id, permissionID).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return s.wrap("DropPermission", id, err)
	}
	return nil
}

func (s *Store) ListShared(ctx context.Context) ([]store.Entry, error) {
	entries, err := s.list(ctx, "sharedWithMe=true and trashed=false")
	if err != nil {
		return nil, s.wrap("ListShared", "", err)
	}
	return entries, nil
}

func (s *Store) Move(ctx context.Context, id, newParentID string) error {
	f, err := s.svc.Files.Get(id).Fields("parents").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return s.wrap("Move", id, err)
	}

	_, err = s.svc.Files.Update(id, &drive.File{}).
		AddParents(newParentID).
		RemoveParents(strings.Join(f.Parents, ",")).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return s.wrap("Move", id, err)
	}
	return nil
}

// Channel is an active change notification subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// Watch subscribes address to change notifications for the whole drive.
// Drive echoes token in the X-Goog-Channel-Token header of every delivery.
func (s *Store) Watch(ctx context.Context, address, token string, ttl time.Duration) (*Channel, error) {
	start, err := s.svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, s.wrap("Watch", address, err)
	}

	req := &drive.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: address,
		Token:   token,
	}
	if ttl > 0 {
		req.Expiration = time.Now().Add(ttl).UnixMilli()
	}

	ch, err := s.svc.Changes.Watch(start.StartPageToken, req).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, s.wrap("Watch", address, err)
	}

	s.logger.Info("watching drive changes", "channel", ch.Id, "address", address)
	return &Channel{
		ID:         ch.Id,
		ResourceID: ch.ResourceId,
		Expiration: time.UnixMilli(ch.Expiration),
	}, nil
}

// StopWatch cancels a subscription created by Watch.
func (s *Store) StopWatch(ctx context.Context, ch *Channel) error {
	err := s.svc.Channels.Stop(&drive.Channel{Id: ch.ID, ResourceId: ch.ResourceID}).Context(ctx).Do()
	if err != nil {
		return s.wrap("StopWatch", ch.ID, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, q string) ([]store.Entry, error) {
	var out []store.Entry
	err := s.svc.Files.List().
		Q(q).
		Fields(googleapi.Field(listFields)).
		PageSize(pageSize).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Pages(ctx, func(fl *drive.FileList) error {
			for _, f := range fl.Files {
				if isNative(f.MimeType) {
					s.logger.Debug("skipping native document", "name", f.Name, "mime_type", f.MimeType)
					continue
				}
				out = append(out, entryOf(f))
			}
			return nil
		})
	return out, err
}

func (s *Store) wrap(op, path string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		err = errors.Join(store.ErrNotFound, err)
	}
	return store.NewError("drive", op, path, err)
}

func isNative(mimeType string) bool {
	return mimeType != FolderMimeType && strings.HasPrefix(mimeType, nativePrefix)
}

func entryOf(f *drive.File) store.Entry {
	return store.Entry{
		ID:    f.Id,
		Name:  f.Name,
		IsDir: f.MimeType == FolderMimeType,
		Size:  f.Size,
	}
}

func permissionOf(p *drive.Permission) store.Permission {
	return store.Permission{
		ID:           p.Id,
		Type:         p.Type,
		Role:         p.Role,
		EmailAddress: p.EmailAddress,
	}
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
