package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3, not for secrecy
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// websocketGUID is appended to the client's key before hashing to derive
// Sec-WebSocket-Accept (RFC 6455 Section 1.3).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096
)

// AcceptOptions configures the server side of the opening handshake.
// All fields are optional; the zero value accepts any origin and
// negotiates no subprotocol.
type AcceptOptions struct {
	// Subprotocols lists the subprotocols this server supports, in order
	// of preference. The first one also present in the client's
	// Sec-WebSocket-Protocol header is selected; see [Conn.Subprotocol].
	Subprotocols []string

	// CheckOrigin decides whether to accept the request's Origin header.
	// A nil CheckOrigin accepts every origin, including requests with no
	// Origin header at all (non-browser clients). [CheckSameOrigin] is a
	// ready-made policy that compares Origin against the request's Host.
	CheckOrigin func(*http.Request) bool

	// ReadBufferSize and WriteBufferSize size the buffered I/O wrapped
	// around the hijacked connection. Zero uses a 4096-byte default.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxMessageSize bounds the cumulative size of a reassembled message.
	// Zero uses a 32 MiB default.
	MaxMessageSize int64

	// FragSize bounds the size of each frame an outbound message is split
	// into. Zero (the default) never fragments outbound messages.
	FragSize int

	// MaskBufSize sizes the scratch buffer outbound payloads are masked
	// through. Servers never mask outbound payloads, so it has no effect
	// on the Conn that Accept returns; it is accepted here for symmetry
	// with [WithMaskBufSize]. Zero uses a 4096-byte default.
	MaskBufSize int

	// PongHandler, if set, is invoked with the payload of every inbound
	// pong frame, inline on the goroutine driving the read (ReadMessage)
	// call that received it. It must not call back into the same Conn's
	// read or write methods — only read-only queries, or a handoff to
	// another goroutine, are safe.
	PongHandler func([]byte)

	// Decorator, if set, is called with the response headers after this
	// package has set its own and before they are written, for every
	// handshake response this call produces (101 success or 4xx/426
	// refusal alike). It may add headers but must not remove the ones
	// this package requires.
	Decorator func(http.Header)

	// KeepAlive controls whether a failed (non-101) handshake preserves
	// HTTP keep-alive. The zero value (false) tears the connection down
	// after responding to a failed handshake regardless of what the
	// request asked for; set true to let the request's own Connection
	// header (and HTTP version) decide, the normal net/http behavior.
	KeepAlive bool

	// Logger receives the connection's internal diagnostic logging. Zero
	// uses slog.Default().
	Logger *slog.Logger
}

// Accept validates an HTTP request as a WebSocket opening handshake
// (RFC 6455 Section 4.2), writes the 101 response, hijacks the underlying
// connection, and returns a [Conn] ready for framing.
//
// The caller must not write to w or read from r.Body after calling
// Accept: ownership of the connection passes to the returned Conn.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}
	readSize := opts.ReadBufferSize
	if readSize == 0 {
		readSize = defaultReadBufferSize
	}
	writeSize := opts.WriteBufferSize
	if writeSize == 0 {
		writeSize = defaultWriteBufferSize
	}

	// Validation order follows this package's handshake specification
	// exactly: HTTP version, method, Upgrade/Connection tokens, Host,
	// Sec-WebSocket-Key, Sec-WebSocket-Version (missing, then mismatched).
	if !r.ProtoAtLeast(1, 1) {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "HTTP version 1.1 required")
		return nil, ErrInvalidVersion
	}
	if r.Method != http.MethodGet {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "Wrong method")
		return nil, ErrInvalidMethod
	}
	if !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") ||
		!httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "Expected Upgrade request")
		return nil, ErrMissingUpgrade
	}
	if r.Host == "" {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "Missing Host")
		return nil, ErrMissingHost
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "Missing Sec-WebSocket-Key")
		return nil, ErrMissingSecKey
	}
	version := r.Header.Get("Sec-WebSocket-Version")
	if version == "" {
		writeHandshakeError(w, r, opts, http.StatusBadRequest, "Missing Sec-WebSocket-Version")
		return nil, ErrMissingVersion
	}
	if version != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		writeHandshakeError(w, r, opts, http.StatusUpgradeRequired, "Sec-WebSocket-Version must be 13")
		return nil, ErrInvalidVersion
	}

	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		writeHandshakeError(w, r, opts, http.StatusForbidden, "Origin not allowed")
		return nil, ErrOriginDenied
	}

	subprotocol := negotiateSubprotocol(r, opts.Subprotocols)
	accept := computeAcceptKey(key)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", accept)
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	if opts.Decorator != nil {
		opts.Decorator(w.Header())
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	var reader *bufio.Reader
	if bufrw.Reader.Size() >= readSize {
		reader = bufrw.Reader
	} else {
		reader = bufio.NewReaderSize(netConn, readSize)
	}
	writer := bufio.NewWriterSize(netConn, writeSize)

	c := newConn(netConn, reader, writer, roleServer, subprotocol)
	if opts.MaxMessageSize > 0 {
		c.maxMessageSize = opts.MaxMessageSize
	}
	if opts.FragSize > 0 {
		c.fragSize = opts.FragSize
	}
	if opts.MaskBufSize > 0 {
		c.maskBufSize = opts.MaskBufSize
	}
	if opts.PongHandler != nil {
		c.pongHandler = opts.PongHandler
	}
	if opts.Logger != nil {
		c.logger = opts.Logger
	}
	return c, nil
}

// writeHandshakeError writes a failed handshake's HTTP response: status
// plus a short plain-text body. Per this package's keep-alive option, it
// either leaves the connection's fate to the request's own Connection
// header and HTTP version (KeepAlive true) or forces it closed
// (KeepAlive false, the default) once this response is flushed.
func writeHandshakeError(w http.ResponseWriter, r *http.Request, opts *AcceptOptions, status int, msg string) {
	if !opts.KeepAlive || r.Close {
		w.Header().Set("Connection", "close")
	}
	if opts.Decorator != nil {
		opts.Decorator(w.Header())
	}
	http.Error(w, msg, status)
}

// computeAcceptKey derives Sec-WebSocket-Accept from a client's
// Sec-WebSocket-Key (RFC 6455 Section 1.3):
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3, not for secrecy
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol returns the first of serverProtos that also
// appears in the request's Sec-WebSocket-Protocol header, or "" if
// either list is empty or there's no overlap. RFC 6455 Section 1.9
// leaves interpretation of the negotiated value to the application; this
// package only does the pass-through match.
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, serverProto := range serverProtos {
		for _, clientProto := range clientProtos {
			if strings.TrimSpace(clientProto) == serverProto {
				return serverProto
			}
		}
	}

	return ""
}

// CheckSameOrigin is a ready-made [AcceptOptions.CheckOrigin] that
// accepts requests with no Origin header (non-browser clients) and
// otherwise requires Origin to match the request's own host.
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return origin == scheme+"://"+r.Host
}
