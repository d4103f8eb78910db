// Package protocol defines the value types shared by livestore components:
// object metadata mirrored from a remote store, the change events which
// announce mutations of it, and the topic names those events travel under.
package protocol

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ObjectMetadata describes one object of a remote store. ObjectMetadata is
// an immutable value: a new write always produces a new ObjectMetadata.
type ObjectMetadata struct {
	// Key of the object. Keys are a flat namespace, "/"-delimited by convention.
	Key string `json:"key" yaml:"key"`
	// LastModified is the store-assigned modification time of the object.
	LastModified time.Time `json:"lastModified" yaml:"lastModified"`
	// Size of the object content, in bytes.
	Size int64 `json:"size" yaml:"size"`
}

// Equal returns true if |o| and |other| describe the same object revision.
func (o ObjectMetadata) Equal(other ObjectMetadata) bool {
	return o.Key == other.Key &&
		o.Size == other.Size &&
		o.LastModified.Equal(other.LastModified)
}

// NewerThan returns true if |o| was modified strictly after |other|.
func (o ObjectMetadata) NewerThan(other ObjectMetadata) bool {
	return o.LastModified.After(other.LastModified)
}

// Name returns the final "/"-delimited component of the Key.
// A trailing "/" (as used by folder marker objects) is ignored.
func (o ObjectMetadata) Name() string {
	return path.Base(strings.TrimSuffix(o.Key, "/"))
}

// IsFolderMarker returns true if the object is an explicit, empty folder marker.
func (o ObjectMetadata) IsFolderMarker() bool {
	return strings.HasSuffix(o.Key, "/")
}

// Validate returns an error if the ObjectMetadata is not well-formed.
func (o ObjectMetadata) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("expected non-empty Key")
	} else if o.Size < 0 {
		return fmt.Errorf("invalid Size (%d; expected >= 0)", o.Size)
	}
	return nil
}

// Relative returns Key with |prefix| removed, and whether Key had |prefix|.
func (o ObjectMetadata) Relative(prefix string) (string, bool) {
	if !strings.HasPrefix(o.Key, prefix) {
		return "", false
	}
	return o.Key[len(prefix):], true
}

// JoinKey joins |base| and |rel| with a single "/" delimiter.
// An empty |base| or |rel| yields the other unmodified.
func JoinKey(base, rel string) string {
	switch {
	case base == "":
		return rel
	case rel == "":
		return base
	case strings.HasSuffix(base, "/"):
		return base + strings.TrimPrefix(rel, "/")
	default:
		return base + "/" + strings.TrimPrefix(rel, "/")
	}
}

// FolderPrefix returns the key prefix which roots the children of |key|:
// |key| with a trailing "/", or "" if |key| is empty.
func FolderPrefix(key string) string {
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}
