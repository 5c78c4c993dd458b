package websocket

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

// buildFrame renders a single wire frame for a test fixture, masking the
// payload first if masked is true (mirroring what a real client does).
func buildFrame(t *testing.T, fin bool, op Opcode, masked bool, key uint32, payload []byte) []byte {
	t.Helper()
	h := frameHeader{fin: fin, op: op, length: uint64(len(payload))}

	body := append([]byte(nil), payload...)
	if masked {
		h.masked = true
		h.key = key
		k := newMaskKey(key)
		k.mask(body)
	}

	return append(encodeFrameHeader(h), body...)
}

// newTestConn builds a Conn reading pre-built frames from in and capturing
// writes into a buffer the test can inspect.
func newTestConn(r role, in []byte) (*Conn, *bytes.Buffer) {
	var out bytes.Buffer
	c := newConn(nil, bufio.NewReader(bytes.NewReader(in)), bufio.NewWriter(&out), r, "")
	return c, &out
}

type decodedFrame struct {
	frameHeader
	payload []byte
}

func decodeAllFrames(t *testing.T, raw []byte) []decodedFrame {
	t.Helper()
	var out []decodedFrame
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		h, code, err := decodeFrameHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decodeFrameHeader: %v (close code %v)", err, code)
		}
		payload := make([]byte, h.length)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("reading payload: %v", err)
		}
		out = append(out, decodedFrame{frameHeader: h, payload: payload})
	}
	return out
}

func TestReadMessageUnfragmentedText(t *testing.T) {
	in := buildFrame(t, true, OpText, true, 0xAABBCCDD, []byte("hello"))
	c, _ := newTestConn(roleServer, in)

	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != TextMessage || string(data) != "hello" {
		t.Fatalf("got (%v, %q), want (TextMessage, \"hello\")", mt, data)
	}
}

func TestReadMessageFragmentedBinary(t *testing.T) {
	var in []byte
	in = append(in, buildFrame(t, false, OpBinary, true, 1, []byte("AB"))...)
	in = append(in, buildFrame(t, false, OpContinuation, true, 1, []byte("CD"))...)
	in = append(in, buildFrame(t, true, OpContinuation, true, 1, []byte("EF"))...)

	c, _ := newTestConn(roleServer, in)
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != BinaryMessage || string(data) != "ABCDEF" {
		t.Fatalf("got (%v, %q), want (BinaryMessage, \"ABCDEF\")", mt, data)
	}
}

func TestReadMessageAutoRepliesToPing(t *testing.T) {
	var in []byte
	in = append(in, buildFrame(t, true, OpPing, true, 2, []byte("abc"))...)
	in = append(in, buildFrame(t, true, OpText, true, 2, []byte("hi"))...)

	c, out := newTestConn(roleServer, in)
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != TextMessage || string(data) != "hi" {
		t.Fatalf("got (%v, %q), want (TextMessage, \"hi\")", mt, data)
	}

	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpPong {
		t.Fatalf("expected a single pong reply, got %+v", frames)
	}
}

func TestReadMessagePongInvokesPongHandler(t *testing.T) {
	var got []byte
	in := buildFrame(t, true, OpPong, true, 3, []byte("pong-data"))
	in = append(in, buildFrame(t, true, OpText, true, 3, []byte("after"))...)

	c, _ := newTestConn(roleServer, in)
	c.pongHandler = func(p []byte) { got = append([]byte(nil), p...) }

	if _, _, err := c.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != "pong-data" {
		t.Fatalf("pong handler saw %q, want %q", got, "pong-data")
	}
}

func TestReadMessageRejectsUnmaskedFrameOnServer(t *testing.T) {
	in := buildFrame(t, true, OpText, false, 0, []byte("hi"))
	c, out := newTestConn(roleServer, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrMaskRequired) {
		t.Fatalf("got %v, want ErrMaskRequired", err)
	}
	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected a single close frame to be sent, got %+v", frames)
	}
}

func TestReadMessageRejectsMaskedFrameOnClient(t *testing.T) {
	in := buildFrame(t, true, OpText, true, 0xFF, []byte("hi"))
	c, _ := newTestConn(roleClient, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrMaskUnexpected) {
		t.Fatalf("got %v, want ErrMaskUnexpected", err)
	}
}

func TestReadMessageOversizeMessageClosesWithTooBig(t *testing.T) {
	var in []byte
	in = append(in, buildFrame(t, false, OpBinary, true, 9, bytes.Repeat([]byte{'x'}, 600))...)
	in = append(in, buildFrame(t, true, OpContinuation, true, 9, bytes.Repeat([]byte{'y'}, 600))...)

	c, out := newTestConn(roleServer, in)
	c.maxMessageSize = 1024

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}

	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected one close frame, got %+v", frames)
	}
	code, _, err := decodeClosePayload(frames[0].payload)
	if err != nil {
		t.Fatalf("decodeClosePayload: %v", err)
	}
	if code != CloseMessageTooBig {
		t.Fatalf("close code = %v, want CloseMessageTooBig", code)
	}
}

func TestReadMessageRejectsInvalidUTF8(t *testing.T) {
	in := buildFrame(t, true, OpText, true, 4, []byte{0xFF, 0xFE})
	c, out := newTestConn(roleServer, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("got %v, want ErrInvalidUTF8", err)
	}
	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected one close frame, got %+v", frames)
	}
	code, _, err := decodeClosePayload(frames[0].payload)
	if err != nil {
		t.Fatalf("decodeClosePayload: %v", err)
	}
	if code != CloseInvalidFramePayloadData {
		t.Fatalf("close code = %v, want CloseInvalidFramePayloadData", code)
	}
}

func TestReadMessageCloseHandshake(t *testing.T) {
	payload := encodeClosePayload(CloseNormalClosure, "bye")
	in := buildFrame(t, true, OpClose, true, 5, payload)
	c, out := newTestConn(roleServer, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}

	code, ok := c.CloseStatus()
	if !ok || code != CloseNormalClosure {
		t.Fatalf("CloseStatus() = (%v, %v), want (CloseNormalClosure, true)", code, ok)
	}

	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected one close reply, got %+v", frames)
	}
}

func TestReadMessageRejectsInvalidCloseCode(t *testing.T) {
	payload := encodeClosePayload(CloseNoStatusReceived, "") // 1005, reserved, never valid on the wire
	in := buildFrame(t, true, OpClose, true, 6, payload)
	c, out := newTestConn(roleServer, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("got %v, want ErrProtocolError", err)
	}

	code, ok := c.CloseStatus()
	if ok || code != CloseCodeNone {
		t.Fatalf("CloseStatus() = (%v, %v), want (CloseCodeNone, false): an invalid close code must not be treated as a clean close", code, ok)
	}

	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected one close frame, got %+v", frames)
	}
	sentCode, _, err := decodeClosePayload(frames[0].payload)
	if err != nil {
		t.Fatalf("decodeClosePayload: %v", err)
	}
	if sentCode != CloseProtocolError {
		t.Fatalf("close code = %v, want CloseProtocolError", sentCode)
	}
}

func TestReadMessageRejectsTruncatedClosePayload(t *testing.T) {
	in := buildFrame(t, true, OpClose, true, 7, []byte{0x03}) // 1-byte payload: too short for a code
	c, _ := newTestConn(roleServer, in)

	_, _, err := c.ReadMessage()
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("got %v, want ErrProtocolError", err)
	}
}

func TestCloseWithCodeSkipsWriteAfterTransportFailure(t *testing.T) {
	in := []byte{0x82, 0x80} // masked binary frame header, truncated before its 4-byte mask key
	c, out := newTestConn(roleServer, in)

	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("setup: expected ReadMessage to fail on truncated input")
	}
	out.Reset()

	if err := c.Close(); err == nil {
		t.Fatal("Close after transport failure should surface the latched error")
	}
	if out.Len() != 0 {
		t.Fatalf("Close after transport failure wrote a close frame: %d bytes", out.Len())
	}
}

func TestWriteMessageFragmentsAtFragSize(t *testing.T) {
	c, out := newTestConn(roleServer, nil)
	c.fragSize = 4

	if err := c.WriteMessage(BinaryMessage, []byte("0123456789")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := bufio.NewReader(bytes.NewReader(out.Bytes()))
	var reassembled []byte
	var frameCount int
	for {
		h, _, err := decodeFrameHeader(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decodeFrameHeader: %v", err)
		}
		payload := make([]byte, h.length)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("reading payload: %v", err)
		}
		reassembled = append(reassembled, payload...)
		frameCount++
		wantFin := len(reassembled) == 10
		if h.fin != wantFin {
			t.Fatalf("frame %d: fin=%v, want %v", frameCount, h.fin, wantFin)
		}
		wantOp := OpContinuation
		if frameCount == 1 {
			wantOp = OpBinary
		}
		if h.op != wantOp {
			t.Fatalf("frame %d: op=%v, want %v", frameCount, h.op, wantOp)
		}
	}
	if string(reassembled) != "0123456789" {
		t.Fatalf("reassembled payload = %q, want %q", reassembled, "0123456789")
	}
	if frameCount != 3 {
		t.Fatalf("frameCount = %d, want 3 (4+4+2 bytes)", frameCount)
	}
}

func TestWriteFrameMasksClientPayload(t *testing.T) {
	c, out := newTestConn(roleClient, nil)
	c.newMaskKey = func() (uint32, error) { return 0x01020304, nil }

	payload := []byte("the quick brown fox")
	if err := c.WriteMessage(BinaryMessage, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := bufio.NewReader(bytes.NewReader(out.Bytes()))
	h, _, err := decodeFrameHeader(r)
	if err != nil {
		t.Fatalf("decodeFrameHeader: %v", err)
	}
	if !h.masked {
		t.Fatal("client frame must be masked")
	}
	got := make([]byte, h.length)
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	k := newMaskKey(h.key)
	k.mask(got)
	if string(got) != string(payload) {
		t.Fatalf("unmasked payload = %q, want %q", got, payload)
	}
}

func TestNoWriteAfterFailed(t *testing.T) {
	in := buildFrame(t, true, OpText, false, 0, []byte("hi")) // triggers ErrMaskRequired on server
	c, out := newTestConn(roleServer, in)

	if _, _, err := c.ReadMessage(); !errors.Is(err, ErrMaskRequired) {
		t.Fatalf("setup: got %v, want ErrMaskRequired", err)
	}
	out.Reset()

	if err := c.WriteMessage(BinaryMessage, []byte("x")); !errors.Is(err, ErrMaskRequired) {
		t.Fatalf("WriteMessage after failure = %v, want the latched failure", err)
	}
	if out.Len() != 0 {
		t.Fatalf("WriteMessage after failure performed transport I/O: %d bytes", out.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, out := newTestConn(roleServer, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	firstLen := out.Len()

	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if out.Len() != firstLen {
		t.Fatalf("second Close wrote more bytes: %d -> %d", firstLen, out.Len())
	}

	frames := decodeAllFrames(t, out.Bytes())
	if len(frames) != 1 || frames[0].op != OpClose {
		t.Fatalf("expected exactly one close frame across both calls, got %+v", frames)
	}
}
