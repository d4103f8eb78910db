// Package fs implements stores.Store over a local (or in-memory) file system.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/stores"
)

// FileSystemStoreRoot is the filesystem path which roots the paths of
// file:// store URLs. It may be set at program startup.
var FileSystemStoreRoot = "/"

// FileSystem backs file:// stores constructed by New.
var FileSystem = afero.NewOsFs()

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// store URL.
type StoreQueryArgs struct {
	// Create the root directory if it doesn't exist.
	Create bool
}

type store struct {
	fs   afero.Fs
	root string
}

// New creates a new filesystem Store from the provided URL, of the form
// file:///path/to/root/.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var root = filepath.Join(FileSystemStoreRoot, filepath.FromSlash(ep.Path))

	if args.Create {
		if err := FileSystem.MkdirAll(root, 0750); err != nil {
			return nil, err
		}
	}
	return NewWithFs(FileSystem, root), nil
}

// NewWithFs returns a Store of the directory |root| within |fs|.
func NewWithFs(fs afero.Fs, root string) stores.Store {
	return &store{fs: fs, root: filepath.Clean(root)}
}

func (s *store) Provider() string { return "fs" }

func (s *store) SignGet(key string, _ time.Duration) (string, error) {
	return "file://" + filepath.ToSlash(s.file(key)), nil
}

func (s *store) Exists(_ context.Context, key string) (bool, error) {
	return afero.Exists(s.fs, s.file(key))
}

func (s *store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	return s.fs.Open(s.file(key))
}

func (s *store) Put(_ context.Context, key string, content io.ReaderAt, contentLength int64, _ string) (pb.ObjectMetadata, error) {
	// Verify that the root directory exists.
	if ok, err := afero.DirExists(s.fs, s.root); err != nil || !ok {
		return pb.ObjectMetadata{}, fmt.Errorf("%s %s: %v", invalidFileStoreDirectory, s.root, err)
	}
	var fsPath = s.file(key)

	if err := s.fs.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return pb.ObjectMetadata{}, err
	}
	var f, err = afero.TempFile(s.fs, filepath.Dir(fsPath), partialPrefix+filepath.Base(fsPath))
	if err != nil {
		return pb.ObjectMetadata{}, err
	}
	defer func(name string) {
		if rmErr := s.fs.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if err == nil {
		err = f.Close()
	} else {
		_ = f.Close()
	}
	if err == nil {
		err = s.fs.Rename(f.Name(), fsPath)
	}
	if err != nil {
		return pb.ObjectMetadata{}, err
	}

	info, err := s.fs.Stat(fsPath)
	if err != nil {
		return pb.ObjectMetadata{}, err
	}
	return metadata(key, info), nil
}

// List walks the directory enclosing |prefix|.
func (s *store) List(ctx context.Context, prefix string, callback func(pb.ObjectMetadata) error) error {
	var dir = s.root
	if i := strings.LastIndexByte(prefix, '/'); i != -1 {
		dir = s.dir(prefix[:i+1])
	}
	if ok, err := afero.DirExists(s.fs, dir); err != nil {
		return err
	} else if !ok {
		return nil
	}

	return afero.Walk(s.fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if err = ctx.Err(); err != nil {
			return err
		} else if info.IsDir() || strings.HasPrefix(info.Name(), partialPrefix) {
			return nil
		}

		rel, err := filepath.Rel(s.root, name)
		if err != nil {
			return err
		}
		var key = filepath.ToSlash(rel)

		if info.Name() == markerName {
			key = strings.TrimSuffix(key, markerName)
		}
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		return callback(metadata(key, info))
	})
}

// Remove the file of |key|, and then any directories left empty by its removal.
func (s *store) Remove(_ context.Context, key string) error {
	var fsPath = s.file(key)
	if err := s.fs.Remove(fsPath); err != nil {
		return err
	}
	for dir := filepath.Dir(fsPath); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if empty, err := afero.IsEmpty(s.fs, dir); err != nil || !empty {
			break
		} else if err = s.fs.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || os.IsPermission(err) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

// dir maps a key prefix to its directory.
func (s *store) dir(prefix string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+prefix)))
}

// file maps |key| to the file which holds its content. Stores have no
// directories, so a folder marker key is held by a marker file within
// the directory it names.
func (s *store) file(key string) string {
	if strings.HasSuffix(key, "/") {
		return filepath.Join(s.dir(key), markerName)
	}
	return s.dir(key)
}

// metadata truncates modification times to the millisecond precision
// carried by change events.
func metadata(key string, info os.FileInfo) pb.ObjectMetadata {
	var meta = pb.ObjectMetadata{
		Key:          key,
		LastModified: info.ModTime().Truncate(time.Millisecond).UTC(),
	}
	if !strings.HasSuffix(key, "/") {
		meta.Size = info.Size()
	}
	return meta
}

const (
	invalidFileStoreDirectory = "invalid file store directory"
	partialPrefix             = ".partial-"
	markerName                = ".livestore-folder"
)
