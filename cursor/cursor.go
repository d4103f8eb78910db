// Package cursor provides movable, reactive views over an index.Index.
//
// A Cursor points at a key prefix (its path) and maintains read-through
// state of the keys under it. A Cursor may be re-homed with SetPath, which
// moves its index listeners and every JSONFile it owns to the new path.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/index"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

var (
	// ErrNoSuchFolder is returned by Child for a name which is not a folder
	// of the Cursor.
	ErrNoSuchFolder = errors.New("no such folder")
	// ErrPathChanged is returned by operations whose Cursor moved to a
	// different path while they were in flight. Their results are discarded.
	ErrPathChanged = errors.New("cursor path changed")
	// ErrDisposed is returned by operations of a disposed Cursor.
	ErrDisposed = errors.New("cursor disposed")
)

// Cursor is a reactive view of the keys of an index.Index under a path.
type Cursor struct {
	ix *index.Index

	mu   sync.Mutex
	path string
	// Bumped on each path change. Results of operations begun under a prior
	// generation are discarded.
	gen uint64
	// Read-through state of the current path.
	meta     pb.ObjectMetadata
	exists   bool
	children map[string]pb.ObjectMetadata

	metaL  *index.Listener
	childL *index.Listener

	files     map[string]*JSONFile
	observers map[uint64]func()
	nextID    uint64
	disposed  bool
}

// New returns a Cursor of |ix| at |path|.
func New(ix *index.Index, path string) *Cursor {
	var c = &Cursor{
		ix:        ix,
		files:     make(map[string]*JSONFile),
		observers: make(map[uint64]func()),
	}
	c.mu.Lock()
	c.attach(pb.FolderPrefix(path))
	c.mu.Unlock()

	return c
}

// Path returns the current path of the Cursor. It's empty or ends in "/".
func (c *Cursor) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// SetPath moves the Cursor to |path|. It's a no-op if |path| is unchanged.
// Owned JSONFiles are detached from the old path before the Cursor's own
// listeners are moved, and re-attached after. State read immediately after
// SetPath returns reflects the new path.
func (c *Cursor) SetPath(path string) {
	path = pb.FolderPrefix(path)

	c.mu.Lock()
	if c.disposed || path == c.path {
		c.mu.Unlock()
		return
	}
	var files = c.ownedFiles()
	c.mu.Unlock()

	for _, f := range files {
		f.detach()
	}

	c.mu.Lock()
	var from = c.path
	c.detach()
	c.attach(path)
	var to = c.path
	c.mu.Unlock()

	for _, f := range files {
		f.attach()
	}
	log.WithFields(log.Fields{"from": from, "to": to}).Debug("moved cursor")

	c.notify()
}

// attach registers index listeners at |path| and loads its state.
// It requires |c.mu| is held.
func (c *Cursor) attach(path string) {
	c.path = path
	c.gen++
	var gen = c.gen

	c.metaL = c.ix.AddMetadataListener(path, func(meta pb.ObjectMetadata, exists bool) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.meta, c.exists = meta, exists
		c.mu.Unlock()

		c.notify()
	})
	c.childL = c.ix.AddChildrenListener(path, func(children map[string]pb.ObjectMetadata) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.children = children
		c.mu.Unlock()

		c.notify()
	})

	c.meta, c.exists = c.ix.GetMetadata(path)
	c.children = c.ix.GetChildren(path)
}

// detach removes index listeners of the current path.
// It requires |c.mu| is held.
func (c *Cursor) detach() {
	c.ix.RemoveMetadataListener(c.metaL)
	c.ix.RemoveChildrenListener(c.childL)
	c.metaL, c.childL = nil, nil
}

// GetExists returns whether |rel| exists under the Cursor, either as a key
// or as a folder implied by deeper keys. An empty |rel| tests the path itself.
func (c *Cursor) GetExists(rel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rel == "" {
		return c.exists || len(c.children) != 0
	}
	return c.hasChild(strings.TrimSuffix(rel, "/"))
}

// hasChild requires |c.mu| is held.
func (c *Cursor) hasChild(name string) bool {
	if _, ok := c.children[name]; ok {
		return true
	}
	var folder = name + "/"
	for rel := range c.children {
		if strings.HasPrefix(rel, folder) {
			return true
		}
	}
	return false
}

// GetMetadata returns the ObjectMetadata of the key at the Cursor path,
// such as a folder marker, and whether it exists.
func (c *Cursor) GetMetadata() (pb.ObjectMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta, c.exists
}

// GetChildMetadata returns the ObjectMetadata of child |name|.
func (c *Cursor) GetChildMetadata(name string) (pb.ObjectMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var meta, ok = c.children[name]
	return meta, ok
}

// HasChildren returns true if every one of |names| is a child of the
// Cursor. A name is a child if it's a key under the path, or a folder
// implied by deeper keys.
func (c *Cursor) HasChildren(names []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range names {
		if !c.hasChild(name) {
			return false
		}
	}
	return true
}

// GetChildren returns a snapshot of all keys under the Cursor path,
// keyed on their remainder after it. The returned map must not be modified.
func (c *Cursor) GetChildren() map[string]pb.ObjectMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children
}

// GetImmediateChildFolders groups keys under |prefix| (relative to the
// Cursor path) by the first remaining path segment of keys which have
// further segments. Each group is returned as a synthetic folder whose Key
// is the segment, whose Size is the sum of member sizes, and whose
// LastModified is the latest of its members. Folders are ordered by Key.
func (c *Cursor) GetImmediateChildFolders(prefix string) []pb.ObjectMetadata {
	prefix = pb.FolderPrefix(prefix)

	c.mu.Lock()
	var children = c.children
	c.mu.Unlock()

	var folders = make(map[string]*pb.ObjectMetadata)
	for rel, meta := range children {
		if !strings.HasPrefix(rel, prefix) {
			continue
		}
		rel = rel[len(prefix):]

		var ind = strings.IndexByte(rel, '/')
		if ind == -1 {
			continue // A file of |prefix|.
		}
		var name = rel[:ind]

		var folder, ok = folders[name]
		if !ok {
			folder = &pb.ObjectMetadata{Key: name}
			folders[name] = folder
		}
		folder.Size += meta.Size
		if meta.LastModified.After(folder.LastModified) {
			folder.LastModified = meta.LastModified
		}
	}

	var out = make([]pb.ObjectMetadata, 0, len(folders))
	for _, f := range folders {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Child returns a new Cursor at folder |name| of this Cursor.
// The caller owns the returned Cursor, and must Dispose it.
func (c *Cursor) Child(name string) (*Cursor, error) {
	name = strings.TrimSuffix(name, "/")

	c.mu.Lock()
	var path = c.path
	var ok bool
	// A folder exists if it has a marker, or if keys nest beneath it.
	for rel := range c.children {
		if name != "" && strings.HasPrefix(rel, name+"/") {
			ok = true
			break
		}
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q of %q", ErrNoSuchFolder, name, path)
	}
	return New(c.ix, path+name+"/"), nil
}

// GetJSONFile returns the JSONFile at |rel| of the Cursor, which follows
// the Cursor as it moves. Repeated calls with the same |rel| return the
// same JSONFile.
func (c *Cursor) GetJSONFile(rel string) (*JSONFile, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	if f, ok := c.files[rel]; ok {
		c.mu.Unlock()
		return f, nil
	}
	var f = newJSONFile(c, rel)
	c.files[rel] = f
	c.mu.Unlock()

	f.attach()
	return f, nil
}

// Upload |content| to |rel| under the Cursor path.
func (c *Cursor) Upload(ctx context.Context, rel string, content []byte, contentType string, onProgress stores.ProgressFunc) (pb.ObjectMetadata, error) {
	var key, err = c.keyOf(rel)
	if err != nil {
		return pb.ObjectMetadata{}, err
	}
	return c.ix.Upload(ctx, key, content, contentType, onProgress)
}

// UploadChild uploads |text| as the immediate child |name| of the Cursor.
func (c *Cursor) UploadChild(ctx context.Context, name string, text string) (pb.ObjectMetadata, error) {
	if name == "" || strings.Contains(name, "/") {
		return pb.ObjectMetadata{}, fmt.Errorf("invalid child name %q", name)
	}
	var contentType = "text/plain; charset=utf-8"
	if strings.HasSuffix(name, ".json") {
		contentType = "application/json"
	}
	return c.Upload(ctx, name, []byte(text), contentType, nil)
}

// DownloadText returns the content of |rel| under the Cursor path. If the
// Cursor moves while the download is in flight, ErrPathChanged is returned.
func (c *Cursor) DownloadText(ctx context.Context, rel string) (string, error) {
	c.mu.Lock()
	var gen, key = c.gen, c.path + rel
	c.mu.Unlock()

	var text, err = c.ix.DownloadText(ctx, key)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return "", fmt.Errorf("%w: downloading %s", ErrPathChanged, key)
	}
	return text, nil
}

// DeleteChild deletes |name| under the Cursor path.
func (c *Cursor) DeleteChild(ctx context.Context, name string) error {
	var key, err = c.keyOf(name)
	if err != nil {
		return err
	}
	return c.ix.Delete(ctx, key)
}

// DeleteByPrefix deletes all keys under |rel| of the Cursor path which are
// known at the time of the call. An empty |rel| deletes everything under
// the Cursor.
func (c *Cursor) DeleteByPrefix(ctx context.Context, rel string) error {
	c.mu.Lock()
	var prefix = c.path + rel
	c.mu.Unlock()

	return c.ix.DeleteByPrefix(ctx, prefix)
}

func (c *Cursor) keyOf(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("expected non-empty relative key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path + rel, nil
}

// AddChangeListener registers |fn| to be called whenever the state of the
// Cursor changes. The returned function removes it.
func (c *Cursor) AddChangeListener(fn func()) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id = c.nextID
	c.nextID++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Cursor) notify() {
	c.mu.Lock()
	var fns = make([]func(), 0, len(c.observers))
	var ids = make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ownedFiles requires |c.mu| is held.
func (c *Cursor) ownedFiles() []*JSONFile {
	var out = make([]*JSONFile, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f)
	}
	return out
}

// forget removes |f| from the files of the Cursor.
func (c *Cursor) forget(f *JSONFile) {
	c.mu.Lock()
	if c.files[f.rel] == f {
		delete(c.files, f.rel)
	}
	c.mu.Unlock()
}

// Dispose the Cursor and every JSONFile it owns, removing all index
// listeners. Dispose is idempotent.
func (c *Cursor) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	var files = c.ownedFiles()
	c.mu.Unlock()

	for _, f := range files {
		f.Dispose()
	}

	c.mu.Lock()
	c.detach()
	c.gen++
	c.observers = make(map[uint64]func())
	c.mu.Unlock()
}
