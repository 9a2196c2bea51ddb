// Package peerwire implements the BitTorrent peer wire protocol: the
// 68-byte handshake and the length-prefixed message framer that follows
// it (spec.md §4.6).
package peerwire

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

const (
	protocolName   = "BitTorrent protocol"
	handshakeLen   = 1 + 19 + 8 + 20 + 20
	// DHT support is signalled by bit 0 (the low bit) of the last
	// reserved byte (byte 7).
	reservedDHTByte   = 7
	reservedDHTMask   = 0x01
	// The extension protocol (BEP 10) is signalled by bit 0x10 of
	// byte 5 (bit 20, counting from the low bit of byte 7 as bit 0).
	reservedExtByte = 5
	reservedExtMask = 0x10
)

// Handshake is the fixed 68-byte preamble exchanged before any framed
// message.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SetDHT marks bit 7 of byte 7 (DHT port support, BEP 5).
func (h *Handshake) SetDHT() { h.Reserved[reservedDHTByte] |= reservedDHTMask }

// HasDHT reports whether the remote peer advertised DHT support.
func (h *Handshake) HasDHT() bool { return h.Reserved[reservedDHTByte]&reservedDHTMask != 0 }

// SetExtended marks bit 0x10 of byte 5 (BEP 10 extension protocol).
func (h *Handshake) SetExtended() { h.Reserved[reservedExtByte] |= reservedExtMask }

// HasExtended reports whether the remote peer advertised BEP 10 support.
func (h *Handshake) HasExtended() bool { return h.Reserved[reservedExtByte]&reservedExtMask != 0 }

// Write sends h as the 68-byte handshake: pstrlen | pstr | reserved |
// info_hash | peer_id.
func Write(w io.Writer, h Handshake) error {
	var buf bytes.Buffer
	buf.WriteByte(19)
	buf.WriteString(protocolName)
	buf.Write(h.Reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])
	_, err := w.Write(buf.Bytes())
	return err
}

// Read parses a 68-byte handshake from r. It does not itself enforce a
// deadline; callers set one on the underlying connection (spec.md §5:
// handshake timeout is 3s).
func Read(r io.Reader) (Handshake, error) {
	var h Handshake

	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return h, fmt.Errorf("peerwire: reading pstrlen: %w", err)
	}
	if pstrlen[0] != 19 {
		return h, fmt.Errorf("peerwire: unexpected pstrlen %d", pstrlen[0])
	}

	pstr := make([]byte, 19)
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("peerwire: reading protocol string: %w", err)
	}
	if string(pstr) != protocolName {
		return h, fmt.Errorf("peerwire: unexpected protocol string %q", pstr)
	}

	rest := make([]byte, 8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, fmt.Errorf("peerwire: reading handshake tail: %w", err)
	}

	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])

	return h, nil
}

// Deadline is a small helper for expressing "this I/O must complete
// within d"; it's a thin wrapper, not a new abstraction. No caller in
// this module uses it: internal/peer computes its deadlines inline.
func Deadline(d time.Duration) time.Time { return time.Now().Add(d) }
