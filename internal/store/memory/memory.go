// Package memory implements an in-memory remote store.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mko/gloader/internal/store"
)

// RootID is the id of the store's top-level folder.
const RootID = "root"

type object struct {
	id      string
	name    string
	parent  string
	isDir   bool
	data    []byte
	trashed bool
	shared  bool
	perms   []store.Permission
}

// Store is a thread-safe in-memory store.Backend.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	fail    map[string]error
	calls   []string
}

var _ store.Backend = (*Store)(nil)

// New creates a store holding only the root folder.
func New() *Store {
	return &Store{
		objects: map[string]*object{
			RootID: {id: RootID, name: "My Drive", isDir: true},
		},
		fail: make(map[string]error),
	}
}

// FailOn makes every subsequent call of op return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

// Calls returns the recorded "Op name" log of mutating calls.
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Store) enter(op, detail string) error {
	if err := s.fail[op]; err != nil {
		return store.NewError("memory", op, detail, err)
	}
	if op != "ListChildren" && op != "Download" {
		s.calls = append(s.calls, op+" "+detail)
	}
	return nil
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListChildren", parentID); err != nil {
		return nil, err
	}
	if _, ok := s.live(parentID); !ok {
		return nil, store.NewError("memory", "ListChildren", parentID, store.ErrNotFound)
	}

	var out []store.Entry
	for _, o := range s.objects {
		if o.parent == parentID && !o.trashed && o.id != RootID {
			out = append(out, entryOf(o))
		}
	}
	return out, nil
}

func (s *Store) CreateDirectory(ctx context.Context, name, parentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateDirectory", name); err != nil {
		return "", err
	}
	return s.insert(name, parentID, true, nil)
}

func (s *Store) Upload(ctx context.Context, name, parentID string, r io.Reader, size int64, progress store.ProgressFunc) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", store.NewError("memory", "Upload", name, err)
	}
	if progress != nil {
		progress(int64(len(data)), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Upload", name); err != nil {
		return "", err
	}
	return s.insert(name, parentID, false, data)
}

func (s *Store) Download(ctx context.Context, id string, w io.Writer, progress store.ProgressFunc) error {
	s.mu.Lock()
	if err := s.enter("Download", id); err != nil {
		s.mu.Unlock()
		return err
	}
	o, ok := s.live(id)
	if !ok || o.isDir {
		s.mu.Unlock()
		return store.NewError("memory", "Download", id, store.ErrNotFound)
	}
	data := append([]byte(nil), o.data...)
	s.mu.Unlock()

	n, err := io.Copy(w, bytes.NewReader(data))
	if progress != nil {
		progress(n, int64(len(data)))
	}
	if err != nil {
		return store.NewError("memory", "Download", id, err)
	}
	return nil
}

func (s *Store) Trash(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Trash", id); err != nil {
		return err
	}
	o, ok := s.live(id)
	if !ok {
		return store.NewError("memory", "Trash", id, store.ErrNotFound)
	}
	o.trashed = true
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete", id); err != nil {
		return err
	}
	if _, ok := s.objects[id]; !ok || id == RootID {
		return store.NewError("memory", "Delete", id, store.ErrNotFound)
	}
	s.purge(id)
	return nil
}

func (s *Store) ListTrash(ctx context.Context) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Entry
	for _, o := range s.objects {
		if o.trashed {
			out = append(out, entryOf(o))
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) EmptyTrash(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("EmptyTrash", ""); err != nil {
		return err
	}
	for id, o := range s.objects {
		if o.trashed {
			s.purge(id)
		}
	}
	return nil
}

func (s *Store) Grant(ctx context.Context, id string, p store.Permission) (store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Grant", id); err != nil {
		return store.Permission{}, err
	}
	o, ok := s.live(id)
	if !ok {
		return store.Permission{}, store.NewError("memory", "Grant", id, store.ErrNotFound)
	}
	p.ID = uuid.NewString()
	o.perms = append(o.perms, p)
	return p, nil
}

func (s *Store) ListPermissions(ctx context.Context, id string) ([]store.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.live(id)
	if !ok {
		return nil, store.NewError("memory", "ListPermissions", id, store.ErrNotFound)
	}
	return append([]store.Permission(nil), o.perms...), nil
}

func (s *Store) DropPermission(ctx context.Context, id, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DropPermission", id); err != nil {
		return err
	}
	o, ok := s.live(id)
	if !ok {
		return store.NewError("memory", "DropPermission", id, store.ErrNotFound)
	}
	for i, p := range o.perms {
		if p.ID == permissionID {
			o.perms = append(o.perms[:i], o.perms[i+1:]...)
			return nil
		}
	}
	return store.NewError("memory", "DropPermission", permissionID, store.ErrNotFound)
}

func (s *Store) ListShared(ctx context.Context) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Entry
	for _, o := range s.objects {
		if o.shared && !o.trashed {
			out = append(out, entryOf(o))
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) Move(ctx context.Context, id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Move", id); err != nil {
		return err
	}
	o, ok := s.live(id)
	if !ok {
		return store.NewError("memory", "Move", id, store.ErrNotFound)
	}
	if p, ok := s.live(newParentID); !ok || !p.isDir {
		return store.NewError("memory", "Move", newParentID, store.ErrNotFound)
	}
	o.parent = newParentID
	return nil
}

// Put stores data at a slash-separated path below the root, creating folders.
// A nil data creates a folder. It returns the id of the terminal object.
func (s *Store) Put(path string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := RootID
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, name := range segments {
		last := i == len(segments)-1
		if id, ok := s.childByName(parent, name); ok {
			if last && data != nil {
				s.objects[id].data = data
			}
			parent = id
			continue
		}
		id, _ := s.insert(name, parent, !last || data == nil, data)
		parent = id
	}
	return parent
}

// Lookup resolves a slash-separated path below the root.
func (s *Store) Lookup(path string) (id string, data []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = RootID
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if id, ok = s.childByName(id, name); !ok {
			return "", nil, false
		}
	}
	return id, append([]byte(nil), s.objects[id].data...), true
}

// Share marks id as shared with the current user.
func (s *Store) Share(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.objects[id]; ok {
		o.shared = true
	}
}

// Trashed reports whether id is in the trash.
func (s *Store) Trashed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	return ok && o.trashed
}

func (s *Store) insert(name, parentID string, isDir bool, data []byte) (string, error) {
	if name == "" {
		return "", store.NewError("memory", "insert", parentID, store.ErrInvalidName)
	}
	p, ok := s.live(parentID)
	if !ok || !p.isDir {
		return "", store.NewError("memory", "insert", parentID, store.ErrNotFound)
	}
	id := uuid.NewString()
	s.objects[id] = &object{id: id, name: name, parent: parentID, isDir: isDir, data: data}
	return id, nil
}

func (s *Store) childByName(parent, name string) (string, bool) {
	for _, o := range s.objects {
		if o.parent == parent && o.name == name && !o.trashed && o.id != RootID {
			return o.id, true
		}
	}
	return "", false
}

// live returns id when it exists and neither it nor an ancestor is trashed.
func (s *Store) live(id string) (*object, bool) {
	o, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	for cur := o; cur.id != RootID; {
		if cur.trashed {
			return nil, false
		}
		next, ok := s.objects[cur.parent]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return o, true
}

func (s *Store) purge(id string) {
	for childID, o := range s.objects {
		if o.parent == id && childID != RootID {
			s.purge(childID)
		}
	}
	delete(s.objects, id)
}

func entryOf(o *object) store.Entry {
	e := store.Entry{ID: o.id, Name: o.name, IsDir: o.isDir}
	if !o.isDir {
		e.Size = int64(len(o.data))
	}
	return e
}

func sortEntries(entries []store.Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
