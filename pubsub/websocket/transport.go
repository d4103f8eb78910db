package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.livestore.dev/core/auth"
	"go.livestore.dev/core/keepalive"
	"go.livestore.dev/core/pubsub"
)

// Transport dials websocket connections to a Hub.
type Transport struct {
	// URL of the Hub, eg "wss://hub.example.com/pubsub".
	URL string
	// Auth supplies credentials presented when dialing. Optional.
	Auth auth.Provider
	// Dialer used to establish connections. If nil, keepalive.WebsocketDialer is used.
	Dialer *ws.Dialer
}

// Dial a connection to the Hub.
func (t *Transport) Dial(ctx context.Context) (pubsub.Conn, error) {
	var header = make(http.Header)

	if t.Auth != nil {
		if creds, err := t.Auth.Credentials(ctx); err != nil {
			return nil, errors.WithMessage(err, "fetching credentials")
		} else if creds != "" {
			header.Set("Authorization", creds)
		}
	}
	var dialer = t.Dialer
	if dialer == nil {
		dialer = keepalive.WebsocketDialer()
	}

	var c, resp, err = dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			err = errors.WithMessagef(err, "dialing %s (status %s)", t.URL, resp.Status)
		} else {
			err = errors.WithMessagef(err, "dialing %s", t.URL)
		}
		return nil, err
	}

	var conn = &conn{
		ws:     c,
		out:    make(chan pubsub.Message, 64),
		closed: make(chan struct{}),
	}
	go conn.readLoop()
	go conn.pingLoop()

	return conn, nil
}

type conn struct {
	ws  *ws.Conn
	out chan pubsub.Message

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *conn) Publish(ctx context.Context, msg pubsub.Message) error {
	return c.write(ctx, Frame{Op: OpPublish, Topic: msg.Topic, Payload: msg.Payload})
}

func (c *conn) Subscribe(ctx context.Context, pattern string) error {
	return c.write(ctx, Frame{Op: OpSubscribe, Topic: pattern})
}

func (c *conn) Unsubscribe(ctx context.Context, pattern string) error {
	return c.write(ctx, Frame{Op: OpUnsubscribe, Topic: pattern})
}

func (c *conn) Messages() <-chan pubsub.Message { return c.out }

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *conn) write(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deadline = time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(f)
}

func (c *conn) readLoop() {
	defer close(c.out)
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				log.WithField("err", err).Debug("websocket read failed")
			}
			return
		}

		switch f.Op {
		case OpMessage:
			select {
			case c.out <- pubsub.Message{Topic: f.Topic, Payload: f.Payload}:
			case <-c.closed:
				return
			}
		case OpError:
			log.WithFields(log.Fields{
				"topic": f.Topic,
				"err":   f.Error,
			}).Warn("hub rejected operation")
		default:
			log.WithField("op", f.Op).Debug("ignoring unexpected frame")
		}
	}
}

func (c *conn) pingLoop() {
	var ticker = time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			var err = c.ws.WriteControl(ws.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()

			if err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

var errConnClosed = errors.New("connection closed")
