package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// dialConfig holds the state [DialOption]s mutate before [Dial] runs.
type dialConfig struct {
	header         http.Header
	subprotocols   []string
	maxMessageSize int64
	fragSize       int
	maskBufSize    int
	pongHandler    func([]byte)
	logger         *slog.Logger
	netDialer      *net.Dialer
	tlsConfig      *tls.Config
}

// DialOption configures [Dial].
type DialOption func(*dialConfig)

// WithHeader adds extra headers to the handshake request, such as
// cookies or an Authorization header. Host, Upgrade, Connection,
// Sec-WebSocket-Key and Sec-WebSocket-Version are set by Dial itself and
// any values supplied here for them are ignored. A Sec-WebSocket-Protocol
// value supplied here is replaced only when [WithSubprotocols] is also
// given.
func WithHeader(h http.Header) DialOption {
	return func(c *dialConfig) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// WithSubprotocols sets the Sec-WebSocket-Protocol candidates offered to
// the server, in order of preference.
func WithSubprotocols(protos ...string) DialOption {
	return func(c *dialConfig) { c.subprotocols = protos }
}

// WithMaxMessageSize bounds the cumulative size of a reassembled message
// on the resulting connection. Zero uses a 32 MiB default.
func WithMaxMessageSize(n int64) DialOption {
	return func(c *dialConfig) { c.maxMessageSize = n }
}

// WithFragSize bounds the size of each frame an outbound message is split
// into. Zero (the default) never fragments outbound messages.
func WithFragSize(n int) DialOption {
	return func(c *dialConfig) { c.fragSize = n }
}

// WithMaskBufSize sizes the scratch buffer outbound payloads are masked
// through before being written. Zero uses a 4096-byte default.
func WithMaskBufSize(n int) DialOption {
	return func(c *dialConfig) { c.maskBufSize = n }
}

// WithPongHandler sets a function invoked with the payload of every
// inbound pong frame, inline on the goroutine driving the read call that
// received it. See [AcceptOptions.PongHandler] for the reentrancy
// contract.
func WithPongHandler(fn func([]byte)) DialOption {
	return func(c *dialConfig) { c.pongHandler = fn }
}

// WithLogger sets the connection's internal diagnostic logger.
func WithLogger(l *slog.Logger) DialOption {
	return func(c *dialConfig) { c.logger = l }
}

// WithNetDialer overrides the *net.Dialer used for the "ws" and "wss"
// schemes (timeouts, local address, custom Control hook, and so on).
func WithNetDialer(d *net.Dialer) DialOption {
	return func(c *dialConfig) { c.netDialer = d }
}

// WithTLSConfig overrides the *tls.Config used to dial "wss" URLs.
// Negotiating extensions or protocol versions within the TLS handshake
// is the caller's concern, not this package's; Dial only drives the
// WebSocket opening handshake on top of whatever *tls.Conn results.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(c *dialConfig) { c.tlsConfig = cfg }
}

// Dial opens a TCP (or TLS, for "wss") connection to urlStr and performs
// the client side of the WebSocket opening handshake (RFC 6455 Section
// 4.1). It returns the established [Conn] plus the raw HTTP response for
// callers that want to inspect headers the handshake itself doesn't
// surface.
func Dial(ctx context.Context, urlStr string, opts ...DialOption) (*Conn, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}

	cfg := dialConfig{
		header:         make(http.Header),
		maxMessageSize: defaultMaxMessageSize,
		logger:         slog.Default(),
		netDialer:      &net.Dialer{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	hostPort, tlsDial, err := dialTarget(u)
	if err != nil {
		return nil, nil, err
	}

	var rawConn net.Conn
	if tlsDial {
		rawConn, err = dialTLS(ctx, cfg.netDialer, hostPort, u.Hostname(), cfg.tlsConfig)
	} else {
		rawConn, err = cfg.netDialer.DialContext(ctx, "tcp", hostPort)
	}
	if err != nil {
		return nil, nil, err
	}

	conn, resp, err := dialHandshake(rawConn, u, &cfg)
	if err != nil {
		_ = rawConn.Close()
		return nil, resp, err
	}
	return conn, resp, nil
}

func dialTarget(u *url.URL) (hostPort string, useTLS bool, err error) {
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return "", false, fmt.Errorf("%w: unsupported scheme %q", ErrHandshakeFailed, u.Scheme)
	}

	hostPort = u.Host
	if u.Port() == "" {
		if useTLS {
			hostPort = net.JoinHostPort(u.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	return hostPort, useTLS, nil
}

func dialTLS(ctx context.Context, d *net.Dialer, hostPort, serverName string, cfg *tls.Config) (net.Conn, error) {
	tlsCfg := cfg
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: serverName} //nolint:gosec // G402: server name is set explicitly above
	}
	tlsDialer := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	return tlsDialer.DialContext(ctx, "tcp", hostPort)
}

// dialHandshake writes the upgrade request over transport and validates
// the response (RFC 6455 Section 4.1 and 4.2.2). It runs identically
// whether transport is a freshly dialed net.Conn (from [Dial]) or a
// caller-supplied [Transport] (from [DialConn]).
func dialHandshake(transport Transport, u *url.URL, cfg *dialConfig) (*Conn, *http.Response, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header = cfg.header.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(cfg.subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(cfg.subprotocols, ", "))
	}
	req.Host = u.Host

	if err := req.Write(transport); err != nil {
		return nil, nil, err
	}

	reader := bufio.NewReaderSize(transport, defaultReadBufferSize)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, resp, ErrHandshakeFailed
	}
	if err := checkHandshakeResponse(resp, nonce); err != nil {
		return nil, resp, err
	}

	writer := bufio.NewWriterSize(transport, defaultWriteBufferSize)
	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")

	c := newConn(transport, reader, writer, roleClient, subprotocol)
	if cfg.maxMessageSize > 0 {
		c.maxMessageSize = cfg.maxMessageSize
	}
	if cfg.fragSize > 0 {
		c.fragSize = cfg.fragSize
	}
	if cfg.maskBufSize > 0 {
		c.maskBufSize = cfg.maskBufSize
	}
	if cfg.pongHandler != nil {
		c.pongHandler = cfg.pongHandler
	}
	if cfg.logger != nil {
		c.logger = cfg.logger
	}
	return c, resp, nil
}

// checkHandshakeResponse validates a 101 response's HTTP version and its
// headers against RFC 6455 Section 4.1, items 2-4 (Upgrade, Connection,
// Sec-WebSocket-Accept). Sec-WebSocket-Extensions and
// Sec-WebSocket-Protocol in the response are not checked.
func checkHandshakeResponse(resp *http.Response, nonce string) error {
	if !resp.ProtoAtLeast(1, 1) {
		return fmt.Errorf("%w: HTTP version 1.1 required", ErrResponseFailed)
	}
	if !httpguts.HeaderValuesContainsToken(resp.Header["Upgrade"], "websocket") {
		return fmt.Errorf("%w: missing Upgrade header", ErrResponseFailed)
	}
	if !httpguts.HeaderValuesContainsToken(resp.Header["Connection"], "upgrade") {
		return fmt.Errorf("%w: missing Connection header", ErrResponseFailed)
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(nonce) {
		return fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrResponseFailed)
	}
	return nil
}

// generateNonce draws the 16 random bytes that become Sec-WebSocket-Key
// (RFC 6455 Section 4.1, item 7).
func generateNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf[:]), nil
}
