// Package websocket implements a pubsub.Transport over websocket connections
// to a Hub, and the Hub itself: an http.Handler which fans published messages
// out to the subscribers of matching topic patterns.
//
// Each websocket message is one JSON-encoded frame.
package websocket

import "time"

// Frame operations.
const (
	OpPublish     = "pub"
	OpSubscribe   = "sub"
	OpUnsubscribe = "unsub"
	OpMessage     = "msg" // Delivery of a published message to a subscriber.
	OpError       = "err" // Rejection of a client operation.
)

// Frame is the JSON wire representation of a Hub protocol operation.
type Frame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = (pongTimeout * 9) / 10
)
