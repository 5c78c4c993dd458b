// Package websocket implements RFC 6455 (Hybi-13) WebSocket framing,
// masking, and the opening/closing handshakes over an arbitrary ordered,
// reliable, byte-oriented transport.
//
// The package is organized around two engines:
//
//   - A frame-protocol engine ([Conn.ReadFrame], [Conn.WriteFrame], and the
//     message-level [Conn.ReadMessage]/[Conn.WriteMessage] built on top of
//     them) that handles header parsing/emission, masking, continuation
//     tracking, control-frame interleaving, and UTF-8 validation of text
//     messages.
//   - A handshake engine ([Accept] for the server side, [Dial] for the
//     client side) that builds and validates the HTTP/1.1 upgrade exchange,
//     including the Sec-WebSocket-Key/Accept derivation.
//
// [Conn] exposes a synchronous, error-returning API. [AsyncConn] wraps a
// [Conn] with a channel-based API for callers that want to multiplex reads,
// writes, and control-frame replies across goroutines without managing
// their own locking.
//
// TLS, permessage-deflate, subprotocol negotiation beyond first-match
// pass-through, HTTP/1.0, HTTP/2, and connection pooling are out of scope.
package websocket
