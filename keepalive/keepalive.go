// Package keepalive provides dialers which enable TCP keep-alive probes, so
// that long-lived pub/sub connections through NATs and load balancers are
// neither silently dropped nor left half-open.
package keepalive

import (
	"context"
	"net"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"
)

// Dialer mirrors the invocation in http.DefaultTransport.
var Dialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialContext dials |addr| over |network| using Dialer.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return Dialer.DialContext(ctx, network, addr)
}

// WebsocketDialer returns a websocket Dialer of keep-alive connections,
// which honors proxy settings of the environment.
func WebsocketDialer() *ws.Dialer {
	return &ws.Dialer{
		NetDialContext:   DialContext,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
}
