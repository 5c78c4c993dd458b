package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// encodeClosePayload renders a close code and reason into the payload of a
// close frame (RFC 6455 Section 5.5.1): a 2-byte big-endian status code
// followed by an optional UTF-8 reason. Callers are responsible for having
// already checked that 2+len(reason) <= maxControlPayload.
func encodeClosePayload(code CloseCode, reason string) []byte {
	if code == CloseCodeNone {
		return nil
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

// decodeClosePayload parses the payload of a received close frame. An
// empty payload is valid and reports (CloseCodeNone, "", nil): the peer
// closed with no status. A non-empty payload shorter than 2 bytes, a
// reserved/out-of-range status code, or a reason that isn't valid UTF-8
// are all protocol errors.
func decodeClosePayload(payload []byte) (CloseCode, string, error) {
	if len(payload) == 0 {
		return CloseCodeNone, "", nil
	}
	if len(payload) == 1 {
		return CloseCodeNone, "", ErrProtocolError
	}

	code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
	if !isValidWireCloseCode(code) {
		return CloseCodeNone, "", ErrProtocolError
	}

	reason := payload[2:]
	if !utf8.Valid(reason) {
		return CloseCodeNone, "", ErrInvalidUTF8
	}

	return code, string(reason), nil
}
