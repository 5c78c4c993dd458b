package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// maskKey is a prepared masking key: the raw 32-bit key plus the current
// rotation offset into its 4 bytes. A maskKey is advanced by every call to
// mask, so that a payload split across several writer chunks (see
// [Conn.WriteFrame]'s masked scratch-buffer path) still masks correctly
// chunk by chunk.
type maskKey struct {
	raw    [4]byte
	offset int
}

// newMaskKey builds a prepared key from a raw 32-bit value.
func newMaskKey(raw uint32) maskKey {
	var k maskKey
	binary.BigEndian.PutUint32(k.raw[:], raw)
	return k
}

// generateMaskKey draws a fresh masking key from a CSPRNG. Clients must
// generate one per frame (RFC 6455 Section 5.3); 0x00000000 is a legal,
// if degenerate, key that leaves the payload unmodified.
func generateMaskKey() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// mask XORs buf in place with the key's rotating 4-byte pattern and
// advances the key's offset by len(buf) mod 4. Applying mask twice with a
// key in the same starting state restores the original bytes: this is the
// masking/unmasking symmetry the wire protocol relies on.
func (k *maskKey) mask(buf []byte) {
	for i := range buf {
		buf[i] ^= k.raw[(k.offset+i)%4]
	}
	k.offset = (k.offset + len(buf)) % 4
}
