package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Event is the wire form of an object change announced over pub/sub.
// LastModified is encoded as Unix milliseconds.
type Event struct {
	Key          string `json:"key"`
	LastModified int64  `json:"lastModified"`
	Size         int64  `json:"size"`
}

// NewEvent builds an Event describing |meta|.
func NewEvent(meta ObjectMetadata) Event {
	return Event{
		Key:          meta.Key,
		LastModified: meta.LastModified.UnixMilli(),
		Size:         meta.Size,
	}
}

// Metadata returns the ObjectMetadata described by the Event.
func (e Event) Metadata() ObjectMetadata {
	return ObjectMetadata{
		Key:          e.Key,
		LastModified: time.UnixMilli(e.LastModified).UTC(),
		Size:         e.Size,
	}
}

// Marshal encodes the Event as JSON.
func (e Event) Marshal() []byte {
	var b, err = json.Marshal(e)
	if err != nil {
		panic(err) // Cannot fail for this type.
	}
	return b
}

// ParseEvent decodes a JSON Event payload. If the payload omits a key,
// the key is recovered from the object-key portion of |topicName|.
func ParseEvent(topicName string, payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, errors.WithMessagef(err, "decoding event of topic %q", topicName)
	}
	if e.Key == "" {
		e.Key = KeyOfTopic(topicName)
	}
	if e.Key == "" {
		return Event{}, errors.Errorf("event of topic %q has no key", topicName)
	}
	return e, nil
}

const (
	updateSegment = "/UPDATE/"
	deleteSegment = "/DELETE/"
)

// UpdateTopic is the topic under which an update of |key| is announced.
func UpdateTopic(root, key string) string { return root + updateSegment + key }

// DeleteTopic is the topic under which a deletion of |key| is announced.
func DeleteTopic(root, key string) string { return root + deleteSegment + key }

// UpdatePattern matches all update topics of |root|.
func UpdatePattern(root string) string { return root + updateSegment + "#" }

// DeletePattern matches all delete topics of |root|.
func DeletePattern(root string) string { return root + deleteSegment + "#" }

// IsDeleteTopic returns true if |topicName| announces a deletion.
func IsDeleteTopic(topicName string) bool {
	return strings.Contains(topicName, deleteSegment)
}

// KeyOfTopic extracts the object key from an update or delete topic,
// or returns "" if |topicName| is neither.
func KeyOfTopic(topicName string) string {
	for _, seg := range []string{updateSegment, deleteSegment} {
		if ind := strings.Index(topicName, seg); ind != -1 {
			return topicName[ind+len(seg):]
		}
	}
	return ""
}
