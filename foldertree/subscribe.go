package foldertree

import (
	"strings"

	log "github.com/sirupsen/logrus"
	pb "go.livestore.dev/core/protocol"
	"go.livestore.dev/core/pubsub"
)

// Subscribe the Folder and every Folder beneath it to change events of
// their immediate children. Folders added to the subtree later, whether by
// Refresh, EnsureFolder, or a received event, are subscribed as they're
// observed by an event of their parent. The returned function removes all
// subscriptions made by this call.
func (f *Folder) Subscribe(client *pubsub.Client) (unsubscribe func()) {
	var s = &subscriber{
		tree:       f.tree,
		client:     client,
		subscribed: make(map[*Folder][]func()),
	}
	f.tree.mu.Lock()
	f.tree.subscribers[s] = struct{}{}
	f.tree.mu.Unlock()

	s.subscribe(f)
	return s.close
}

type subscriber struct {
	tree   *Tree
	client *pubsub.Client
	// Guarded by |tree.mu|.
	subscribed map[*Folder][]func()
	closed     bool
}

func (s *subscriber) subscribe(f *Folder) {
	s.tree.mu.Lock()
	if _, ok := s.subscribed[f]; ok || s.closed || f.removed {
		s.tree.mu.Unlock()
		return
	}
	s.subscribed[f] = nil
	var children = make([]*Folder, 0, len(f.folders))
	for _, c := range f.folders {
		children = append(children, c)
	}
	s.tree.mu.Unlock()

	var root = s.tree.topicRoot
	var handler = func(msg pubsub.Message) { s.onMessage(f, msg) }

	// Files are a single segment beneath the Folder, and child Folder
	// markers a single segment followed by an empty one.
	var unsubs = []func(){
		s.client.Subscribe(pb.UpdateTopic(root, f.path)+"+", handler),
		s.client.Subscribe(pb.UpdateTopic(root, f.path)+"+/", handler),
		s.client.Subscribe(pb.DeleteTopic(root, f.path)+"+", handler),
		s.client.Subscribe(pb.DeleteTopic(root, f.path)+"+/", handler),
	}

	s.tree.mu.Lock()
	if s.closed || f.removed {
		// Closed or pruned while subscribing.
		delete(s.subscribed, f)
		s.tree.mu.Unlock()

		for _, fn := range unsubs {
			fn()
		}
		return
	}
	s.subscribed[f] = unsubs
	s.tree.mu.Unlock()

	for _, c := range children {
		s.subscribe(c)
	}
}

func (s *subscriber) onMessage(f *Folder, msg pubsub.Message) {
	var ev, err = pb.ParseEvent(msg.Topic, msg.Payload)
	if err != nil {
		log.WithFields(log.Fields{"topic": msg.Topic, "err": err}).Warn("discarding malformed tree event")
		return
	}
	var rel, ok = strings.CutPrefix(ev.Key, f.path)
	if !ok || rel == "" {
		return
	}
	var name, isFolder = strings.CutSuffix(rel, "/")
	if name == "" || strings.Contains(name, "/") {
		return
	}
	var deleted = pb.IsDeleteTopic(msg.Topic)

	s.tree.mu.Lock()
	if f.removed {
		s.tree.mu.Unlock()
		return
	}
	var added *Folder

	switch {
	case isFolder && deleted:
		if c, ok := f.folders[name]; ok && !c.hasStaged() {
			c.prune()
			delete(f.folders, name)
		}
	case isFolder:
		var c, ok = f.folders[name]
		if !ok {
			c = f.tree.newFolder(f, ev.Key)
			f.folders[name] = c
			added = c
		}
		if ev.Metadata().NewerThan(c.marker) {
			c.marker = ev.Metadata()
		}
	case deleted:
		if file, ok := f.files[name]; ok {
			if file.hasStaged() {
				file.meta = pb.ObjectMetadata{}
				if file.state == StateStagedForOverwrite {
					file.state = StateStagedForUpload
				}
			} else {
				delete(f.files, name)
			}
		}
	default:
		f.applyFile(name, ev.Metadata())
	}
	s.tree.mu.Unlock()
	s.tree.releasePruned()

	if added != nil {
		s.subscribe(added)
	}
}

func (s *subscriber) close() {
	s.tree.mu.Lock()
	s.closed = true
	var all = s.subscribed
	s.subscribed = nil
	delete(s.tree.subscribers, s)
	s.tree.mu.Unlock()

	for _, unsubs := range all {
		for _, fn := range unsubs {
			fn()
		}
	}
}
