package websocket

import "sync"

// Message pairs a message read off an [AsyncConn] with the error that
// ended the read, if any. A Message with a non-nil Err is the last value
// IncomingMessages() ever sends; the channel is closed immediately
// after.
type Message struct {
	Type MessageType
	Data []byte
	Err  error
}

// writeRequest is one queued write: the frame to send and where to
// report the outcome.
type writeRequest struct {
	mt   MessageType
	data []byte
	done chan error
}

// AsyncConn wraps a [Conn] with a channel-based API, so a caller can
// multiplex reads, writes, and its own control-frame policy across
// goroutines without taking out locks directly. It is this package's
// rendering of the single-threaded reactor-plus-continuation model into
// Go's native concurrency primitives: one goroutine owns the read side
// and feeds a channel, a second owns the write side and drains a
// channel, and [Conn]'s own locking keeps the two from racing on the
// underlying connection.
type AsyncConn struct {
	conn *Conn

	incoming chan Message
	outgoing chan writeRequest

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncConn starts the read and write pumps for conn. The caller must
// not use conn directly afterward; all access goes through the returned
// AsyncConn.
func NewAsyncConn(conn *Conn) *AsyncConn {
	ac := &AsyncConn{
		conn:     conn,
		incoming: make(chan Message),
		outgoing: make(chan writeRequest),
		done:     make(chan struct{}),
	}
	go ac.readPump()
	go ac.writePump()
	return ac
}

// IncomingMessages returns the channel of messages read from the
// connection. It is closed after the first error (including a clean
// [ErrClosed]), which is delivered as the final Message's Err field.
func (ac *AsyncConn) IncomingMessages() <-chan Message {
	return ac.incoming
}

func (ac *AsyncConn) readPump() {
	defer close(ac.incoming)
	for {
		mt, data, err := ac.conn.ReadMessage()
		if err != nil {
			// A read unblocked by Close is not reported as a message.
			select {
			case <-ac.done:
				return
			default:
			}
			select {
			case ac.incoming <- Message{Err: err}:
			case <-ac.done:
			}
			return
		}
		select {
		case ac.incoming <- Message{Type: mt, Data: data}:
		case <-ac.done:
			return
		}
	}
}

func (ac *AsyncConn) writePump() {
	for {
		select {
		case req := <-ac.outgoing:
			req.done <- ac.conn.WriteMessage(req.mt, req.data)
		case <-ac.done:
			return
		}
	}
}

// Send queues data for writing and blocks until the write pump has
// handed it to the transport (not until the peer has acknowledged it:
// this package has no message-level acknowledgement mechanism).
func (ac *AsyncConn) Send(mt MessageType, data []byte) error {
	req := writeRequest{mt: mt, data: data, done: make(chan error, 1)}
	select {
	case ac.outgoing <- req:
	case <-ac.done:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ac.done:
		return ErrClosed
	}
}

// SendText is a convenience wrapper around Send for text messages.
func (ac *AsyncConn) SendText(s string) error {
	return ac.Send(TextMessage, []byte(s))
}

// Ping sends a ping frame directly on the underlying connection; pings
// and pongs aren't queued through the write pump since they carry no
// payload a caller needs ordered against its own messages.
func (ac *AsyncConn) Ping(data []byte) error {
	return ac.conn.Ping(data)
}

// Close stops both pumps and closes the underlying connection.
// Idempotent.
func (ac *AsyncConn) Close() error {
	var err error
	ac.closeOnce.Do(func() {
		close(ac.done)
		err = ac.conn.Close()
	})
	return err
}
