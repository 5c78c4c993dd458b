package websocket

import (
	"io"
	"net/http"
	"net/url"
)

// Transport is the minimal byte-stream interface this package's framing
// engine runs on: an ordered, reliable, full-duplex stream of octets.
// [net.Conn] satisfies Transport, as does anything else with matching
// Read/Write/Close semantics — an in-memory pipe in a test, or a
// *tls.Conn a caller has already dialed and handed off, since this
// package does not negotiate TLS itself.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// DialConn performs the client side of the WebSocket opening handshake
// (RFC 6455 Section 4.1) over a transport the caller has already
// established, instead of dialing one itself. This is the seam a caller
// uses to run the handshake over a TLS connection configured beyond what
// [WithTLSConfig] exposes, over a connection pulled from a pool, or over
// an in-memory transport in a test.
func DialConn(transport Transport, urlStr string, opts ...DialOption) (*Conn, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}

	cfg := dialConfig{
		header:         make(http.Header),
		maxMessageSize: defaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return dialHandshake(transport, u, &cfg)
}
