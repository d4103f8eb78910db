package websocket

import (
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/auth"
	"go.livestore.dev/core/topic"
)

// Hub is an http.Handler which upgrades requests to websocket connections
// and relays published messages between them. Each connection presents an
// Authorization verified by the Hub's Verifier, and may publish and subscribe
// only to the topics its Claims grant. A connection is closed when its
// credential expires.
type Hub struct {
	Verifier auth.Verifier
	// SendBuffer is the number of messages buffered for each peer. A peer
	// which falls further behind is disconnected.
	SendBuffer int

	upgrader ws.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

// NewHub returns a Hub which verifies connections with |verifier|.
func NewHub(verifier auth.Verifier) *Hub {
	return &Hub{
		Verifier:   verifier,
		SendBuffer: 256,
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
	}
}

type peer struct {
	ws     *ws.Conn
	claims auth.Claims
	send   chan Frame

	mu       sync.Mutex
	patterns map[string]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var claims, err = h.Verifier.Verify(r.Header.Get("Authorization"))
	if err != nil {
		log.WithFields(log.Fields{"err": err, "remote": r.RemoteAddr}).
			Warn("rejected hub connection")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade has already replied with an error.
	}
	var p = &peer{
		ws:       c,
		claims:   claims,
		send:     make(chan Frame, h.SendBuffer),
		patterns: make(map[string]struct{}),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"identity": claims.Identity,
		"remote":   r.RemoteAddr,
	}).Info("hub peer connected")

	if claims.ExpiresAt != nil {
		var timer = time.AfterFunc(time.Until(claims.ExpiresAt.Time), p.close)
		defer timer.Stop()
	}
	go p.writeLoop()
	h.readLoop(p)

	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"identity": claims.Identity,
		"remote":   r.RemoteAddr,
	}).Info("hub peer disconnected")
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Subscriptions returns the total number of patterns subscribed across peers.
func (h *Hub) Subscriptions() (n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for p := range h.peers {
		p.mu.Lock()
		n += len(p.patterns)
		p.mu.Unlock()
	}
	return n
}

// Close disconnects all peers.
func (h *Hub) Close() {
	h.mu.Lock()
	var peers = make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (h *Hub) readLoop(p *peer) {
	defer p.close()

	_ = p.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var f Frame
		if err := p.ws.ReadJSON(&f); err != nil {
			return
		}
		// Any frame is evidence of a live peer.
		_ = p.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		if err := p.claims.Check(f.Topic); err != nil && f.Op != OpUnsubscribe {
			p.enqueue(Frame{Op: OpError, Topic: f.Topic, Error: err.Error()})
			continue
		}

		switch f.Op {
		case OpPublish:
			h.broadcast(f.Topic, f.Payload)
		case OpSubscribe:
			p.mu.Lock()
			p.patterns[f.Topic] = struct{}{}
			p.mu.Unlock()
		case OpUnsubscribe:
			p.mu.Lock()
			delete(p.patterns, f.Topic)
			p.mu.Unlock()
		default:
			p.enqueue(Frame{Op: OpError, Topic: f.Topic, Error: "unknown op " + f.Op})
		}
	}
}

// broadcast a message to every peer with a matching subscription which is
// also granted the concrete topic.
func (h *Hub) broadcast(name string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for p := range h.peers {
		if p.matches(name) && p.claims.Allows(name) {
			p.enqueue(Frame{Op: OpMessage, Topic: name, Payload: payload})
		}
	}
}

func (p *peer) matches(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pattern := range p.patterns {
		if topic.Match(pattern, name) {
			return true
		}
	}
	return false
}

// enqueue |f| for sending, closing a peer which has fallen too far behind.
func (p *peer) enqueue(f Frame) {
	select {
	case p.send <- f:
	case <-p.closed:
	default:
		log.WithFields(log.Fields{
			"identity": p.claims.Identity,
			"topic":    f.Topic,
		}).Warn("hub peer is too slow (disconnecting)")
		p.close()
	}
}

func (p *peer) writeLoop() {
	var ticker = time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.ws.WriteJSON(f); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			if err := p.ws.WriteControl(ws.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				p.close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.ws.Close()
	})
}
