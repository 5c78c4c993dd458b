package websocket

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// role distinguishes which side of the handshake a Conn is on, since
// that determines the masking discipline RFC 6455 Section 5.1 requires:
// clients mask every frame they send and must never receive a masked
// one; servers enforce the reverse.
type role byte

const (
	roleClient role = iota
	roleServer
)

// defaultMaxMessageSize bounds the cumulative size of a (possibly
// fragmented) message this package will reassemble before failing the
// connection with [ErrMessageTooLarge] (or [ErrFrameTooLarge] when a
// single frame alone exceeds it). Not an RFC requirement; callers
// needing a different bound set AcceptOptions.MaxMessageSize or
// [WithMaxMessageSize].
const defaultMaxMessageSize = 32 * 1024 * 1024

// defaultMaskBufSize bounds the scratch buffer [Conn.writeFrameLocked]
// masks a client payload through, so that writing one large message
// doesn't require allocating a second copy of the whole payload just to
// mask it.
const defaultMaskBufSize = 4096

// Conn is a single WebSocket connection: the frame-protocol engine and
// stream facade described by this package's handshake and framing
// engines. A Conn is created by [Accept] (server side) or [Dial] (client
// side), never directly.
//
// Conn's methods are safe for concurrent use by multiple goroutines with
// one exception: concurrent calls to ReadMessage/ReadFrame are not
// serialized against each other, since the protocol has exactly one
// logical reader. Concurrent writers are fully serialized.
type Conn struct {
	id     uuid.UUID
	conn   Transport
	reader *bufio.Reader
	writer *bufio.Writer
	role   role

	subprotocol    string
	maxMessageSize int64
	fragSize       int // wr_frag_size: outbound fragmentation threshold, 0 = none
	maskBufSize    int
	logger         *slog.Logger

	// pongHandler is invoked inline from the read path on every inbound
	// pong, with the pong's payload. Nil means pongs are observed (the
	// read loop still consumes the frame) but otherwise ignored. See
	// PongHandler's doc comment for the reentrancy contract.
	pongHandler func([]byte)

	// newMaskKey is a test seam over generateMaskKey; production code
	// never overrides it.
	newMaskKey func() (uint32, error)

	writeMu sync.Mutex

	stateMu       sync.Mutex
	failed        error // set once a protocol or transport error latches the connection
	closeSent     bool
	closeReceived bool
	peerCloseCode CloseCode

	// Fragment reassembly state. Owned by the single logical reader;
	// never touched from a writer goroutine.
	inFragment    bool
	fragmentType  Opcode
	fragmentBuf   bytes.Buffer
	textValidator utf8Validator
}

func newConn(netConn Transport, reader *bufio.Reader, writer *bufio.Writer, r role, subprotocol string) *Conn {
	return &Conn{
		id:             uuid.New(),
		conn:           netConn,
		reader:         reader,
		writer:         writer,
		role:           r,
		subprotocol:    subprotocol,
		maxMessageSize: defaultMaxMessageSize,
		maskBufSize:    defaultMaskBufSize,
		logger:         slog.Default(),
		newMaskKey:     generateMaskKey,
	}
}

// ID returns a value unique to this connection, suitable for correlating
// log lines across the lifetime of a single socket.
func (c *Conn) ID() uuid.UUID { return c.id }

// Subprotocol returns the subprotocol negotiated during the handshake,
// or "" if none was.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// CloseStatus returns the close code carried by the peer's close frame,
// and whether one has been received yet.
func (c *Conn) CloseStatus() (CloseCode, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.peerCloseCode, c.closeReceived
}

func (c *Conn) latch(err error) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.failed == nil {
		c.failed = fmt.Errorf("%w: %w", ErrFailed, err)
		c.logger.Debug("websocket: connection failed", "id", c.id, "error", err)
	}
	return c.failed
}

// checkAlive gates reads: a reader may still be waiting on the peer's
// close reply after this side has sent its own, so only a fully
// completed close handshake (or a latched failure) stops it.
func (c *Conn) checkAlive() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.failed != nil {
		return c.failed
	}
	if c.closeSent && c.closeReceived {
		return ErrClosed
	}
	return nil
}

// checkWritable gates writes: once this side has sent a close frame, RFC
// 6455 Section 7.1.1 forbids sending any further data, so a writer is
// blocked as soon as closeSent is set, without waiting on the peer.
func (c *Conn) checkWritable() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.failed != nil {
		return c.failed
	}
	if c.closeSent {
		return ErrClosed
	}
	return nil
}

// ReadFrame reads and validates exactly one frame header and its
// payload, enforcing the masking discipline RFC 6455 Section 5.1
// requires of the peer's role, but performs none of ReadMessage's
// fragmentation reassembly, control-frame auto-replies, or UTF-8
// validation. Most callers want [Conn.ReadMessage] instead; ReadFrame is
// exposed for callers implementing their own control-frame policy.
func (c *Conn) ReadFrame() (op Opcode, payload []byte, fin bool, err error) {
	if err := c.checkAlive(); err != nil {
		return 0, nil, false, err
	}

	h, closeCode, err := decodeFrameHeader(c.reader)
	if err != nil {
		if closeCode == CloseCodeNone {
			return 0, nil, false, c.latch(err)
		}
		_ = c.sendCloseLocked(closeCode, "")
		return 0, nil, false, c.latch(err)
	}

	if c.role == roleServer && !h.masked {
		_ = c.sendCloseLocked(CloseProtocolError, "")
		return 0, nil, false, c.latch(ErrMaskRequired)
	}
	if c.role == roleClient && h.masked {
		_ = c.sendCloseLocked(CloseProtocolError, "")
		return 0, nil, false, c.latch(ErrMaskUnexpected)
	}
	if int64(h.length) > c.maxMessageSize {
		_ = c.sendCloseLocked(CloseMessageTooBig, "")
		return 0, nil, false, c.latch(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.length))
	}

	payload = make([]byte, h.length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return 0, nil, false, c.latch(err)
	}
	if h.masked {
		k := newMaskKey(h.key)
		k.mask(payload)
	}

	return h.op, payload, h.fin, nil
}

// ReadMessage reads the next complete message, reassembling fragmented
// messages (RFC 6455 Section 5.4), auto-replying to ping frames with a
// pong that echoes their payload, and validating UTF-8 incrementally
// across every frame of a text message as it arrives (Section 8.1).
//
// A received close frame ends the read loop: ReadMessage sends the
// close reply (unless one was already sent) and returns [ErrClosed]. The
// reply echoes the peer's close code (an empty close payload if the peer
// sent none) and always carries an empty reason.
func (c *Conn) ReadMessage() (MessageType, []byte, error) {
	for {
		op, payload, fin, err := c.ReadFrame()
		if err != nil {
			return 0, nil, err
		}

		switch {
		case op == OpPing:
			if err := c.writeControlFrame(OpPong, payload); err != nil {
				return 0, nil, err
			}
			continue

		case op == OpPong:
			if c.pongHandler != nil {
				c.pongHandler(payload)
			}
			continue

		case op == OpClose:
			code, _, err := decodeClosePayload(payload)
			if err != nil {
				return 0, nil, c.failWithClose(CloseProtocolError, err)
			}
			c.stateMu.Lock()
			c.closeReceived = true
			c.peerCloseCode = code
			alreadySent := c.closeSent
			c.stateMu.Unlock()
			if !alreadySent {
				_ = c.sendCloseLocked(code, "")
			}
			return 0, nil, ErrClosed

		case op == OpText || op == OpBinary:
			if c.inFragment {
				return 0, nil, c.failWithClose(CloseProtocolError, ErrNestedMessage)
			}
			if op == OpText {
				c.textValidator.reset()
				if !c.textValidator.write(payload) {
					return 0, nil, c.failWithClose(CloseInvalidFramePayloadData, ErrInvalidUTF8)
				}
			}
			if fin {
				if op == OpText && !c.textValidator.finish() {
					return 0, nil, c.failWithClose(CloseInvalidFramePayloadData, ErrInvalidUTF8)
				}
				return dataMsgType(op), payload, nil
			}
			c.inFragment = true
			c.fragmentType = op
			c.fragmentBuf.Reset()
			c.fragmentBuf.Write(payload)
			if int64(c.fragmentBuf.Len()) > c.maxMessageSize {
				return 0, nil, c.failWithClose(CloseMessageTooBig, ErrMessageTooLarge)
			}

		case op == OpContinuation:
			if !c.inFragment {
				return 0, nil, c.failWithClose(CloseProtocolError, ErrUnexpectedContinuation)
			}
			if c.fragmentType == OpText && !c.textValidator.write(payload) {
				return 0, nil, c.failWithClose(CloseInvalidFramePayloadData, ErrInvalidUTF8)
			}
			c.fragmentBuf.Write(payload)
			if int64(c.fragmentBuf.Len()) > c.maxMessageSize {
				return 0, nil, c.failWithClose(CloseMessageTooBig, ErrMessageTooLarge)
			}
			if fin {
				c.inFragment = false
				if c.fragmentType == OpText && !c.textValidator.finish() {
					return 0, nil, c.failWithClose(CloseInvalidFramePayloadData, ErrInvalidUTF8)
				}
				result := make([]byte, c.fragmentBuf.Len())
				copy(result, c.fragmentBuf.Bytes())
				return dataMsgType(c.fragmentType), result, nil
			}
		}
	}
}

func dataMsgType(op Opcode) MessageType {
	if op == OpText {
		return TextMessage
	}
	return BinaryMessage
}

// failWithClose sends a best-effort close frame carrying code, then
// latches the connection failed with err (RFC 6455 Section 7.1.7: a
// detected protocol violation closes with an appropriate status code
// before tearing down).
func (c *Conn) failWithClose(code CloseCode, err error) error {
	_ = c.sendCloseLocked(code, "")
	return c.latch(err)
}

// ReadText reads the next message and requires it to be text.
func (c *Conn) ReadText() (string, error) {
	mt, data, err := c.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// ReadJSON reads the next message, requires it to be text, and
// unmarshals it into v.
func (c *Conn) ReadJSON(v any) error {
	mt, data, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if mt != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// WriteFrame writes exactly one frame with the given opcode, FIN bit,
// and payload, applying this connection's masking discipline. Most
// callers want [Conn.WriteMessage]; WriteFrame is exposed for sending
// deliberately fragmented messages.
func (c *Conn) WriteFrame(op Opcode, fin bool, payload []byte) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(op, fin, payload)
}

// writeFrameLocked emits one frame's header and payload. On the client
// side, the payload is never mutated in place (it may be the caller's own
// buffer): it is masked through a bounded scratch buffer sized by
// maskBufSize, chunk by chunk, rather than by allocating a second copy
// the size of the whole payload.
func (c *Conn) writeFrameLocked(op Opcode, fin bool, payload []byte) error {
	h := frameHeader{
		fin:    fin,
		op:     op,
		length: uint64(len(payload)),
	}

	var key maskKey
	if c.role == roleClient {
		raw, err := c.newMaskKey()
		if err != nil {
			return c.latch(err)
		}
		h.masked = true
		h.key = raw
		key = newMaskKey(raw)
	}

	if _, err := c.writer.Write(encodeFrameHeader(h)); err != nil {
		return c.latch(err)
	}

	if c.role != roleClient {
		if len(payload) > 0 {
			if _, err := c.writer.Write(payload); err != nil {
				return c.latch(err)
			}
		}
	} else if len(payload) > 0 {
		scratchSize := c.maskBufSize
		if scratchSize <= 0 || scratchSize > len(payload) {
			scratchSize = len(payload)
		}
		scratch := make([]byte, scratchSize)
		for len(payload) > 0 {
			n := copy(scratch, payload)
			chunk := scratch[:n]
			key.mask(chunk)
			if _, err := c.writer.Write(chunk); err != nil {
				return c.latch(err)
			}
			payload = payload[n:]
		}
	}

	if err := c.writer.Flush(); err != nil {
		return c.latch(err)
	}
	return nil
}

func (c *Conn) writeControlFrame(op Opcode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}
	if err := c.checkWritable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(op, true, payload)
}

// WriteMessage sends data as one or more frames of the given type. When
// this connection's fragmentation threshold (see [AcceptOptions.FragSize]
// / [WithFragSize]) is non-zero and data exceeds it, the message is split
// into pieces of at most that size, with fin set only on the last piece;
// a zero threshold (the default) always sends data as a single
// unfragmented frame. Text messages are validated as UTF-8 up front
// (RFC 6455 Section 8.1), before anything is written.
func (c *Conn) WriteMessage(mt MessageType, data []byte) error {
	op := mt.opcode()
	if mt == TextMessage {
		var v utf8Validator
		if !v.write(data) || !v.finish() {
			return ErrInvalidUTF8
		}
	} else if mt != BinaryMessage {
		return ErrInvalidMessageType
	}

	if err := c.checkWritable(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.fragSize <= 0 || len(data) <= c.fragSize {
		return c.writeFrameLocked(op, true, data)
	}

	for len(data) > 0 {
		n := c.fragSize
		if n > len(data) {
			n = len(data)
		}
		piece := data[:n]
		data = data[n:]
		if err := c.writeFrameLocked(op, len(data) == 0, piece); err != nil {
			return err
		}
		op = OpContinuation
	}
	return nil
}

// WriteText writes s as a text message.
func (c *Conn) WriteText(s string) error {
	return c.WriteMessage(TextMessage, []byte(s))
}

// WriteJSON marshals v to JSON and sends it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(TextMessage, data)
}

// Ping sends a ping frame. data must be at most 125 bytes.
func (c *Conn) Ping(data []byte) error {
	return c.writeControlFrame(OpPing, data)
}

// Pong sends a pong frame, normally in reply to a ping with the same
// data. [Conn.ReadMessage] already does this automatically for pings it
// receives; call Pong directly only for unsolicited pongs.
func (c *Conn) Pong(data []byte) error {
	return c.writeControlFrame(OpPong, data)
}

// Close performs a clean close with [CloseNormalClosure] and no reason.
// Idempotent: safe to call more than once or alongside a close already
// triggered by a received close frame.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode sends a close frame carrying code and reason, then closes
// the underlying transport. RFC 6455 Section 7.1.2 calls for waiting on
// the peer's close reply first; this package instead tears the transport
// down immediately after sending, leaving any further inbound bytes to
// be discarded by the OS — the same trade-off [Conn.ReadMessage] makes
// when it replies to a received close frame and returns without waiting
// for TCP teardown.
//
// If the connection is already latched failed, no close frame is written
// (the transport may already be unusable); the underlying transport is
// still closed to release its resources.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	c.stateMu.Lock()
	failed := c.failed
	c.stateMu.Unlock()

	var err error
	if failed != nil {
		err = failed
	} else {
		err = c.sendCloseLocked(code, reason)
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Conn) sendCloseLocked(code CloseCode, reason string) error {
	c.stateMu.Lock()
	if c.closeSent {
		c.stateMu.Unlock()
		return nil
	}
	c.closeSent = true
	c.stateMu.Unlock()

	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := encodeClosePayload(code, reason)

	c.writeMu.Lock()
	err := c.writeFrameLocked(OpClose, true, payload)
	c.writeMu.Unlock()
	return err
}

