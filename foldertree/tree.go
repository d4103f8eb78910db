// Package foldertree models a store as an explicit tree of Folders and Files.
//
// Unlike package index, in which folders are implied by key prefixes, a
// Folder of a Tree exists in the store only as an explicit, empty marker
// object at its path (for example "photos/2024/"). Deleting a Folder walks
// its subtree and removes every descendant object individually, as stores
// offer no recursive delete.
//
// A Tree is materialized top-down from level-at-a-time listings (Refresh),
// and may be kept current through pub/sub (Subscribe).
package foldertree

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/index"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

// Tree is an explicit tree of the Folders and Files under a root prefix.
// All nodes of a Tree share its mutex.
type Tree struct {
	store     stores.Store
	publisher index.Publisher
	topicRoot string

	mu   sync.Mutex
	root *Folder
	// Active subscribers, and Folders pruned from the Tree whose
	// subscriptions are yet to be released.
	subscribers map[*subscriber]struct{}
	pruned      []*Folder
}

// NewTree returns a Tree of |store| rooted at |prefix|. If |publisher| is
// non-nil, writes of the Tree are announced under |topicRoot|.
func NewTree(store stores.Store, prefix string, publisher index.Publisher, topicRoot string) *Tree {
	var t = &Tree{
		store:       store,
		publisher:   publisher,
		topicRoot:   topicRoot,
		subscribers: make(map[*subscriber]struct{}),
	}
	t.root = t.newFolder(nil, pb.FolderPrefix(prefix))
	return t
}

// Root returns the root Folder of the Tree.
func (t *Tree) Root() *Folder { return t.root }

// Lookup returns the Folder at |path|, if it's present in the Tree.
func (t *Tree) Lookup(path string) (*Folder, bool) {
	path = pb.FolderPrefix(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	var rel, ok = strings.CutPrefix(path, t.root.path)
	if !ok {
		return nil, false
	}
	var f = t.root
	for _, name := range strings.Split(strings.TrimSuffix(rel, "/"), "/") {
		if name == "" {
			continue
		}
		if f, ok = f.folders[name]; !ok {
			return nil, false
		}
	}
	return f, true
}

// DeleteByPrefix deletes the Folder at |path| and everything beneath it.
func (t *Tree) DeleteByPrefix(ctx context.Context, path string) error {
	var f, ok = t.Lookup(path)
	if !ok {
		return errors.Errorf("folder %q is not in the tree", path)
	}
	return f.DeleteByPrefix(ctx)
}

// releasePruned removes subscriptions of Folders pruned from the Tree.
func (t *Tree) releasePruned() {
	t.mu.Lock()
	var unsubs []func()
	for _, f := range t.pruned {
		for s := range t.subscribers {
			unsubs = append(unsubs, s.subscribed[f]...)
			delete(s.subscribed, f)
		}
	}
	t.pruned = nil
	t.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (t *Tree) announce(ctx context.Context, topic string, ev pb.Event) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, topic, ev.Marshal()); err != nil {
		log.WithFields(log.Fields{"topic": topic, "err": err}).Warn("failed to announce tree change")
	}
}

// Folder is a node of a Tree.
type Folder struct {
	tree   *Tree
	parent *Folder
	path   string
	level  int

	// Guarded by |tree.mu|.
	marker  pb.ObjectMetadata
	files   map[string]*File
	folders map[string]*Folder
	removed bool
}

func (t *Tree) newFolder(parent *Folder, path string) *Folder {
	var f = &Folder{
		tree:    t,
		parent:  parent,
		path:    path,
		files:   make(map[string]*File),
		folders: make(map[string]*Folder),
	}
	if parent != nil {
		f.level = parent.level + 1
	}
	return f
}

// Path of the Folder, which is empty or ends in "/".
func (f *Folder) Path() string { return f.path }

// Level is the depth of the Folder within its Tree. The root is level zero.
func (f *Folder) Level() int { return f.level }

// Parent returns the parent Folder, or nil for the root.
func (f *Folder) Parent() *Folder { return f.parent }

// Name of the Folder within its parent.
func (f *Folder) Name() string {
	return pb.ObjectMetadata{Key: f.path}.Name()
}

// Marker returns the ObjectMetadata of the Folder's marker object, and
// whether the Folder's marker is known to exist.
func (f *Folder) Marker() (pb.ObjectMetadata, bool) {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	return f.marker, f.marker.Key != ""
}

// Folders returns the sorted names of child Folders.
func (f *Folder) Folders() []string {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	return sortedNames(f.folders)
}

// Files returns the sorted names of child Files.
func (f *Folder) Files() []string {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()
	return sortedNames(f.files)
}

// Folder returns child Folder |name|, if present.
func (f *Folder) Folder(name string) (*Folder, bool) {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()

	var c, ok = f.folders[name]
	return c, ok
}

// File returns child File |name|, if present.
func (f *Folder) File(name string) (*File, bool) {
	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()

	var c, ok = f.files[name]
	return c, ok
}

// EnsureFolder returns child Folder |name|, first creating it by writing
// its empty marker object if it's not already present.
func (f *Folder) EnsureFolder(ctx context.Context, name string) (*Folder, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	f.tree.mu.Lock()
	if c, ok := f.folders[name]; ok {
		f.tree.mu.Unlock()
		return c, nil
	}
	f.tree.mu.Unlock()

	var path = f.path + name + "/"
	var meta, err = f.tree.store.Put(ctx, path, strings.NewReader(""), 0, "")
	if err != nil {
		return nil, errors.WithMessagef(err, "writing folder marker %s", path)
	}
	if meta.Key == "" {
		meta.Key = path
	}

	f.tree.mu.Lock()
	var c, ok = f.folders[name]
	if !ok {
		c = f.tree.newFolder(f, path)
		f.folders[name] = c
	}
	c.marker = meta
	f.tree.mu.Unlock()

	log.WithField("path", path).Debug("created folder")
	f.tree.announce(ctx, pb.UpdateTopic(f.tree.topicRoot, path), pb.NewEvent(meta))

	return c, nil
}

// EnsureFileToUpload returns child File |name| with |content| staged for
// upload. A File which exists in the store is staged for overwrite.
func (f *Folder) EnsureFileToUpload(name string, content []byte, contentType string) (*File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	f.tree.mu.Lock()
	defer f.tree.mu.Unlock()

	var file, ok = f.files[name]
	if !ok {
		file = &File{folder: f, name: name, state: StateEmpty}
		f.files[name] = file
	}
	if file.state == StateUploading {
		return nil, errors.Errorf("file %s is uploading", file.key())
	}
	file.stage(content, contentType)
	return file, nil
}

// DeleteByPrefix deletes every File and Folder beneath this Folder, one
// object at a time and deepest first, and then the Folder's own marker.
// The root Folder's marker is not deleted. On error, objects deleted so
// far remain removed from the Tree.
func (f *Folder) DeleteByPrefix(ctx context.Context) error {
	for _, name := range f.Folders() {
		if c, ok := f.Folder(name); ok {
			if err := c.DeleteByPrefix(ctx); err != nil {
				return err
			}
		}
	}
	for _, name := range f.Files() {
		if file, ok := f.File(name); ok {
			if err := file.Delete(ctx); err != nil {
				return err
			}
		}
	}
	if f.parent == nil {
		return nil
	}

	if err := f.tree.store.Remove(ctx, f.path); err != nil {
		return errors.WithMessagef(err, "deleting folder marker %s", f.path)
	}

	f.tree.mu.Lock()
	if f.parent.folders[f.Name()] == f {
		delete(f.parent.folders, f.Name())
	}
	f.prune()
	f.tree.mu.Unlock()
	f.tree.releasePruned()

	log.WithField("path", f.path).Debug("deleted folder")
	f.tree.announce(ctx, pb.DeleteTopic(f.tree.topicRoot, f.path), pb.Event{Key: f.path})

	return nil
}

// Refresh lists the immediate children of the Folder and reconciles the
// Tree with them. Files and Folders which are no longer listed are removed,
// unless they hold content staged for upload. If |recursive|, the whole
// subtree is listed in a single pass and every descendant Folder is
// reconciled as well.
func (f *Folder) Refresh(ctx context.Context, recursive bool) error {
	var levels map[string]*stores.Level

	if recursive {
		var err error
		if levels, err = stores.ListTree(ctx, f.tree.store, f.path); err != nil {
			return errors.WithMessagef(err, "listing %s", f.path)
		}
	} else {
		var lvl, err = stores.ListLevel(ctx, f.tree.store, f.path)
		if err != nil {
			return errors.WithMessagef(err, "listing %s", f.path)
		}
		levels = map[string]*stores.Level{f.path: &lvl}
	}

	f.tree.mu.Lock()
	var folders, files = f.reconcile(levels, recursive)
	f.tree.mu.Unlock()
	f.tree.releasePruned()

	log.WithFields(log.Fields{
		"path":      f.path,
		"recursive": recursive,
		"files":     files,
		"folders":   folders,
	}).Debug("refreshed folder")

	return nil
}

// reconcile applies the listed Level of the Folder, and if |recursive| then
// also of each child Folder. It returns the number of Folders and Files
// reconciled. It requires |tree.mu| is held.
func (f *Folder) reconcile(levels map[string]*stores.Level, recursive bool) (folders, files int) {
	var lvl = levels[f.path]
	if lvl == nil {
		lvl = new(stores.Level)
	}
	f.marker = lvl.Marker

	var listedFiles = make(map[string]struct{}, len(lvl.Objects))
	for _, meta := range lvl.Objects {
		var name = meta.Name()
		listedFiles[name] = struct{}{}
		f.applyFile(name, meta)
	}
	for name, file := range f.files {
		if _, ok := listedFiles[name]; !ok && !file.hasStaged() {
			delete(f.files, name)
		}
	}

	var listedFolders = make(map[string]struct{}, len(lvl.CommonPrefixes))
	for _, prefix := range lvl.CommonPrefixes {
		var name = strings.TrimSuffix(prefix[len(f.path):], "/")
		listedFolders[name] = struct{}{}

		if _, ok := f.folders[name]; !ok {
			f.folders[name] = f.tree.newFolder(f, prefix)
		}
	}
	for name, c := range f.folders {
		if _, ok := listedFolders[name]; !ok && !c.hasStaged() {
			c.prune()
			delete(f.folders, name)
		}
	}
	folders, files = 1, len(f.files)

	if recursive {
		for _, c := range f.folders {
			var cf, cn = c.reconcile(levels, true)
			folders, files = folders+cf, files+cn
		}
	}
	return folders, files
}

// applyFile records listed or announced |meta| of File |name|.
// It requires |tree.mu| is held.
func (f *Folder) applyFile(name string, meta pb.ObjectMetadata) {
	var file, ok = f.files[name]
	if !ok {
		file = &File{folder: f, name: name, state: StateEmpty}
		f.files[name] = file
	}
	if file.meta.Key != "" && !meta.NewerThan(file.meta) {
		return
	}
	file.meta = meta

	if file.state == StateEmpty || file.state == StateStored {
		file.state = StateStored
	} else if file.state == StateStagedForUpload {
		file.state = StateStagedForOverwrite
	}
}

// prune marks the Folder and its subtree as removed from the Tree.
// It requires |tree.mu| is held.
func (f *Folder) prune() {
	f.removed = true
	f.tree.pruned = append(f.tree.pruned, f)

	for _, c := range f.folders {
		c.prune()
	}
}

// hasStaged returns true if the Folder's subtree holds staged content.
// It requires |tree.mu| is held.
func (f *Folder) hasStaged() bool {
	for _, file := range f.files {
		if file.hasStaged() {
			return true
		}
	}
	for _, c := range f.folders {
		if c.hasStaged() {
			return true
		}
	}
	return false
}

func sortedNames[V any](m map[string]V) []string {
	var out = make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validName(name string) error {
	if name == "" || strings.Contains(name, "/") {
		return errors.Errorf("invalid name %q", name)
	}
	return nil
}
