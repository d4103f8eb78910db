package foldertree

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

// FileState is the upload state of a File.
type FileState string

const (
	// StateEmpty is a File which has neither stored nor staged content.
	StateEmpty FileState = "empty"
	// StateStagedForUpload is a File with staged content, not yet in the store.
	StateStagedForUpload FileState = "staged-for-upload"
	// StateStagedForOverwrite is a stored File with staged replacement content.
	StateStagedForOverwrite FileState = "staged-for-overwrite"
	// StateUploading is a File whose staged content is being uploaded.
	StateUploading FileState = "uploading"
	// StateStored is a File whose content is in the store.
	StateStored FileState = "stored"
	// StateError is a File whose last upload failed. Its staged content is
	// retained so that the upload may be retried.
	StateError FileState = "error"
)

// File is a leaf node of a Tree.
type File struct {
	folder *Folder
	name   string

	// Guarded by |folder.tree.mu|.
	state       FileState
	meta        pb.ObjectMetadata
	staged      []byte
	contentType string
	err         error
}

// Name of the File within its Folder.
func (f *File) Name() string { return f.name }

// Folder returns the parent Folder of the File.
func (f *File) Folder() *Folder { return f.folder }

// Key returns the store key of the File.
func (f *File) Key() string { return f.key() }

func (f *File) key() string { return f.folder.path + f.name }

// State returns the FileState of the File.
func (f *File) State() FileState {
	f.folder.tree.mu.Lock()
	defer f.folder.tree.mu.Unlock()
	return f.state
}

// Metadata returns the ObjectMetadata of the stored File, and whether
// it's known to be stored.
func (f *File) Metadata() (pb.ObjectMetadata, bool) {
	f.folder.tree.mu.Lock()
	defer f.folder.tree.mu.Unlock()
	return f.meta, f.meta.Key != ""
}

// Err returns the error of the last failed upload, or nil.
func (f *File) Err() error {
	f.folder.tree.mu.Lock()
	defer f.folder.tree.mu.Unlock()
	return f.err
}

// stage requires |tree.mu| is held.
func (f *File) stage(content []byte, contentType string) {
	if content == nil {
		content = []byte{}
	}
	f.staged, f.contentType, f.err = content, contentType, nil

	if f.meta.Key != "" {
		f.state = StateStagedForOverwrite
	} else {
		f.state = StateStagedForUpload
	}
}

// hasStaged requires |tree.mu| is held.
func (f *File) hasStaged() bool { return f.staged != nil }

// Upload the staged content of the File. On success the File is stored and
// its staged content released. On failure the File enters StateError and
// keeps its staged content, so that Upload may be retried.
func (f *File) Upload(ctx context.Context, onProgress stores.ProgressFunc) error {
	var t = f.folder.tree

	t.mu.Lock()
	if f.staged == nil || f.state == StateUploading {
		t.mu.Unlock()
		return errors.Errorf("file %s has no staged content (state %s)", f.key(), f.state)
	}
	var content, contentType = f.staged, f.contentType
	f.state = StateUploading
	t.mu.Unlock()

	var meta, err = stores.PutBytes(ctx, t.store, f.key(), content, contentType, onProgress)

	t.mu.Lock()
	if err != nil {
		f.state, f.err = StateError, err
		t.mu.Unlock()

		log.WithFields(log.Fields{"key": f.key(), "err": err}).Warn("file upload failed")
		return errors.WithMessagef(err, "uploading %s", f.key())
	}
	if meta.Key == "" {
		meta.Key = f.key()
	}
	f.state, f.meta, f.err = StateStored, meta, nil
	f.staged, f.contentType = nil, ""
	t.mu.Unlock()

	t.announce(ctx, pb.UpdateTopic(t.topicRoot, meta.Key), pb.NewEvent(meta))
	return nil
}

// Delete the File from the store and remove it from its Folder.
// A File which was never stored is only removed from its Folder.
func (f *File) Delete(ctx context.Context) error {
	var t = f.folder.tree

	t.mu.Lock()
	var stored = f.meta.Key != ""
	t.mu.Unlock()

	if stored {
		if err := t.store.Remove(ctx, f.key()); err != nil {
			return errors.WithMessagef(err, "deleting %s", f.key())
		}
	}

	t.mu.Lock()
	if f.folder.files[f.name] == f {
		delete(f.folder.files, f.name)
	}
	t.mu.Unlock()

	if stored {
		t.announce(ctx, pb.DeleteTopic(t.topicRoot, f.key()), pb.Event{Key: f.key()})
	}
	return nil
}
