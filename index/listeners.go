package index

import (
	pb "go.livestore.dev/core/protocol"
)

// MetadataFunc is notified of the ObjectMetadata of a key, or with
// |exists| false if the key was deleted.
type MetadataFunc func(meta pb.ObjectMetadata, exists bool)

// ChildrenFunc is notified of a changed snapshot of the children of a
// prefix, keyed on their remainder after the prefix. It must not be modified.
type ChildrenFunc func(children map[string]pb.ObjectMetadata)

// NetworkErrorFunc is notified of the current network error messages.
type NetworkErrorFunc func(messages []string)

// Listener is a registration of a callback with an Index.
// It's removed by passing it to the corresponding Remove method.
type Listener struct {
	key        string
	prefix     string
	onMetadata MetadataFunc
	onChildren ChildrenFunc
	onErrors   NetworkErrorFunc
	// Guarded by the Index mutex.
	removed bool
}

// AddMetadataListener registers |fn| to be notified of changes to |key|.
func (ix *Index) AddMetadataListener(key string, fn MetadataFunc) *Listener {
	var l = &Listener{key: key, onMetadata: fn}

	ix.mu.Lock()
	ix.point[key] = append(ix.point[key], l)
	ix.mu.Unlock()

	return l
}

// RemoveMetadataListener removes a Listener returned by AddMetadataListener.
// Removing a nil, unknown, or already removed Listener is a no-op.
func (ix *Index) RemoveMetadataListener(l *Listener) {
	if l == nil || l.onMetadata == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if l.removed {
		return
	}
	l.removed = true

	var ls = without(ix.point[l.key], l)
	if len(ls) == 0 {
		delete(ix.point, l.key)
	} else {
		ix.point[l.key] = ls
	}
}

// AddChildrenListener registers |fn| to be notified of changes to the
// snapshot of children of |prefix|, as returned by GetChildren.
func (ix *Index) AddChildrenListener(prefix string, fn ChildrenFunc) *Listener {
	var l = &Listener{prefix: prefix, onChildren: fn}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	var st, ok = ix.prefix[prefix]
	if !ok {
		st = &prefixState{last: ix.snapshot(prefix)}
		ix.prefix[prefix] = st
	}
	st.listeners = append(st.listeners, l)

	return l
}

// RemoveChildrenListener removes a Listener returned by AddChildrenListener.
// Removing a nil, unknown, or already removed Listener is a no-op.
func (ix *Index) RemoveChildrenListener(l *Listener) {
	if l == nil || l.onChildren == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if l.removed {
		return
	}
	l.removed = true

	var st, ok = ix.prefix[l.prefix]
	if !ok {
		return
	}
	if st.listeners = without(st.listeners, l); len(st.listeners) == 0 {
		delete(ix.prefix, l.prefix)
	}
}

// AddNetworkErrorListener registers |fn| to be notified when the set of
// active network error categories changes.
func (ix *Index) AddNetworkErrorListener(fn NetworkErrorFunc) *Listener {
	var l = &Listener{onErrors: fn}

	ix.mu.Lock()
	ix.errs.listeners = append(ix.errs.listeners, l)
	ix.mu.Unlock()

	return l
}

// RemoveNetworkErrorListener removes a Listener returned by AddNetworkErrorListener.
// Removing a nil, unknown, or already removed Listener is a no-op.
func (ix *Index) RemoveNetworkErrorListener(l *Listener) {
	if l == nil || l.onErrors == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !l.removed {
		l.removed = true
		ix.errs.listeners = without(ix.errs.listeners, l)
	}
}

func without(ls []*Listener, l *Listener) []*Listener {
	var out = ls[:0:0]
	for _, o := range ls {
		if o != l {
			out = append(out, o)
		}
	}
	return out
}
