package cursor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/index"
	"go.livestore.dev/core/metrics"
	pb "go.livestore.dev/core/protocol"
)

// DefaultDebounce is the delay with which JSONFile coalesces edits
// into a single upload.
const DefaultDebounce = 500 * time.Millisecond

// JSONFile is a JSON object document stored at a key relative to a Cursor.
//
// Fields are read and written in memory, and uploaded as a whole document.
// Edits are debounced so that rapid successive edits produce one upload.
// The document is refreshed from the store whenever the index observes a
// new revision of its key. Fields which are focused (under local edit)
// are never overwritten by a refresh.
type JSONFile struct {
	// Debounce delay of SetAttribute uploads.
	Debounce time.Duration

	cursor *Cursor
	rel    string
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	key string
	// Bumped on each detach. Results of refreshes and uploads begun under
	// a prior generation are discarded.
	gen          uint64
	fields       map[string]interface{}
	lastUploaded map[string]interface{}
	// Latest revision merged or uploaded. Refreshes of older revisions are
	// discarded, as are index echoes of this one.
	mergedRev  pb.ObjectMetadata
	focused    map[string]struct{}
	timer      *time.Timer
	refreshing int
	listener   *index.Listener
	observers  map[uint64]func()
	nextID     uint64
	disposed   bool
}

func newJSONFile(c *Cursor, rel string) *JSONFile {
	var ctx, cancel = context.WithCancel(context.Background())

	return &JSONFile{
		Debounce:     DefaultDebounce,
		cursor:       c,
		rel:          rel,
		ctx:          ctx,
		cancel:       cancel,
		fields:       make(map[string]interface{}),
		lastUploaded: make(map[string]interface{}),
		focused:      make(map[string]struct{}),
		observers:    make(map[uint64]func()),
	}
}

// Key returns the full store key of the JSONFile.
func (f *JSONFile) Key() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

// attach the JSONFile to the current path of its Cursor, and begin
// a refresh if its key is known to the index.
func (f *JSONFile) attach() {
	var ix = f.cursor.ix
	var key = f.cursor.Path() + f.rel

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.key = key
	var gen = f.gen

	f.listener = ix.AddMetadataListener(key, func(_ pb.ObjectMetadata, exists bool) {
		if exists {
			go f.refreshGen(f.ctx, gen, false)
		}
	})
	f.mu.Unlock()

	if _, ok := ix.GetMetadata(key); ok {
		go f.refreshGen(f.ctx, gen, false)
	}
}

// detach the JSONFile from its current key. Its in-memory document and any
// pending upload are discarded.
func (f *JSONFile) detach() {
	f.mu.Lock()
	f.cursor.ix.RemoveMetadataListener(f.listener)
	f.listener = nil
	f.gen++
	f.stopTimer()

	f.fields = make(map[string]interface{})
	f.lastUploaded = make(map[string]interface{})
	f.mergedRev = pb.ObjectMetadata{}
	f.focused = make(map[string]struct{})
	f.mu.Unlock()
}

// GetAttribute returns the value of field |name|, or |def| if unset.
func (f *JSONFile) GetAttribute(name string, def interface{}) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.fields[name]; ok {
		return v
	}
	return def
}

// Fields returns a copy of all fields of the JSONFile.
func (f *JSONFile) Fields() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyFields(f.fields)
}

// SetAttribute sets field |name| to |value|. The change is visible to
// GetAttribute immediately. If |immediate|, any pending upload is cancelled
// and the document is uploaded before SetAttribute returns. Otherwise an
// upload is scheduled after the Debounce delay, replacing any already
// scheduled.
func (f *JSONFile) SetAttribute(ctx context.Context, name string, value interface{}, immediate bool) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	f.fields[name] = value
	f.stopTimer()

	if !immediate {
		var gen = f.gen
		f.timer = time.AfterFunc(f.Debounce, func() { f.flush(gen) })
	}
	f.mu.Unlock()

	f.notify()

	if immediate {
		return f.UploadNow(ctx)
	}
	return nil
}

// flush a debounced upload.
func (f *JSONFile) flush(gen uint64) {
	f.mu.Lock()
	var stale = f.gen != gen || f.disposed
	f.mu.Unlock()

	if stale {
		return
	}
	if err := f.UploadNow(f.ctx); err != nil {
		log.WithFields(log.Fields{"key": f.Key(), "err": err}).Warn("debounced upload failed")
	}
}

// stopTimer requires |f.mu| is held.
func (f *JSONFile) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// UploadNow uploads the current fields of the document. On success, the
// uploaded fields become the baseline to which a later failed upload rolls
// back. On failure the fields are rolled back to that baseline, change
// listeners are notified, and the error is returned.
func (f *JSONFile) UploadNow(ctx context.Context) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return ErrDisposed
	}
	f.stopTimer()

	var gen, key = f.gen, f.key
	var sent = copyFields(f.fields)
	f.mu.Unlock()

	var rev pb.ObjectMetadata
	var content, err = json.Marshal(sent)
	if err == nil {
		rev, err = f.cursor.ix.Upload(ctx, key, content, "application/json", nil)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return errors.WithMessagef(ErrPathChanged, "uploading %s", key)
	}
	if err == nil {
		f.lastUploaded = sent
		if rev.NewerThan(f.mergedRev) {
			f.mergedRev = rev
		}
	} else {
		f.fields = copyFields(f.lastUploaded)
	}
	f.mu.Unlock()

	if err != nil {
		metrics.JSONFileUploadsTotal.WithLabelValues(metrics.Fail).Inc()
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("rolled back JSON document after failed upload")
		f.notify()
		return errors.WithMessagef(err, "uploading JSON document %s", key)
	}
	metrics.JSONFileUploadsTotal.WithLabelValues(metrics.Ok).Inc()
	f.notify()
	return nil
}

// RefreshFile fetches the document from the store, and merges its fields.
// Focused fields are left unchanged. If the remote content doesn't parse
// as a JSON object, it's logged and the merge is skipped. RefreshFile
// returns index.ErrNotFound if the key is not held by the index.
func (f *JSONFile) RefreshFile(ctx context.Context) error {
	f.mu.Lock()
	var gen = f.gen
	f.mu.Unlock()

	return f.refreshGen(ctx, gen, true)
}

// refreshGen refreshes if the JSONFile remains at generation |gen|.
// Unless |force|, a revision which was already merged is skipped.
func (f *JSONFile) refreshGen(ctx context.Context, gen uint64, force bool) error {
	f.mu.Lock()
	if f.gen != gen || f.disposed {
		f.mu.Unlock()
		return ErrPathChanged
	}
	var key = f.key
	f.refreshing++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.refreshing--
		f.mu.Unlock()
	}()

	var rev, ok = f.cursor.ix.GetMetadata(key)
	if !ok {
		return errors.WithMessagef(index.ErrNotFound, "refreshing %s", key)
	}
	f.mu.Lock()
	var stale = f.isStale(rev, force)
	f.mu.Unlock()

	if stale {
		return nil
	}
	var text, err = f.cursor.ix.DownloadText(ctx, key)
	if err != nil {
		return errors.WithMessagef(err, "refreshing %s", key)
	}

	var remote map[string]interface{}
	if err = json.Unmarshal([]byte(text), &remote); err != nil || remote == nil {
		metrics.JSONFileParseFailuresTotal.Inc()
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("ignoring unparseable JSON document")
		return nil
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return ErrPathChanged
	} else if f.isStale(rev, force) {
		f.mu.Unlock()
		return nil
	}
	f.mergedRev = rev

	var changed bool
	for name, value := range remote {
		if _, ok := f.focused[name]; ok {
			continue
		}
		if cur, ok := f.fields[name]; !ok || !jsonEqual(cur, value) {
			f.fields[name] = value
			changed = true
		}
		f.lastUploaded[name] = value
	}
	f.mu.Unlock()

	if changed {
		f.notify()
	}
	return nil
}

// isStale requires |f.mu| is held.
func (f *JSONFile) isStale(rev pb.ObjectMetadata, force bool) bool {
	if force {
		return f.mergedRev.NewerThan(rev)
	}
	return !rev.NewerThan(f.mergedRev)
}

// OnFocusAttribute marks field |name| as under local edit.
// It's not overwritten by refreshes until OnBlurAttribute.
func (f *JSONFile) OnFocusAttribute(name string) {
	f.mu.Lock()
	f.focused[name] = struct{}{}
	f.mu.Unlock()
}

// OnBlurAttribute clears the focus of field |name|. Subsequent refreshes
// apply to it normally.
func (f *JSONFile) OnBlurAttribute(name string) {
	f.mu.Lock()
	delete(f.focused, name)
	f.mu.Unlock()
}

// Focused returns the sorted names of focused fields.
func (f *JSONFile) Focused() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out = make([]string, 0, len(f.focused))
	for name := range f.focused {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Loading returns true while a refresh is in progress.
func (f *JSONFile) Loading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshing != 0
}

// AddChangeListener registers |fn| to be called whenever fields of the
// JSONFile change. The returned function removes it.
func (f *JSONFile) AddChangeListener(fn func()) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var id = f.nextID
	f.nextID++
	f.observers[id] = fn

	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

func (f *JSONFile) notify() {
	f.mu.Lock()
	var ids = make([]uint64, 0, len(f.observers))
	for id := range f.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fns = make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = f.observers[id]
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Dispose the JSONFile, cancelling a pending upload and removing its index
// listener. Dispose is idempotent.
func (f *JSONFile) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	f.gen++
	f.stopTimer()
	f.cursor.ix.RemoveMetadataListener(f.listener)
	f.listener = nil
	f.observers = make(map[uint64]func())
	f.mu.Unlock()

	f.cancel()
	f.cursor.forget(f)
}

func copyFields(m map[string]interface{}) map[string]interface{} {
	var out = make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// jsonEqual compares decoded JSON values by their encoding.
func jsonEqual(a, b interface{}) bool {
	var ea, errA = json.Marshal(a)
	var eb, errB = json.Marshal(b)
	return errA == nil && errB == nil && string(ea) == string(eb)
}
