// Package peer implements the per-peer connection state machine: dial
// and handshake, the reader/writer task pair, keep-alive, and dispatch
// of wire messages to the piece manager (spec.md §4.6, §4.7, §5).
// Grounded on the teacher's PerformHandshake/DownloadFromPeer
// (torrent/p2p.go), split into a read loop and write loop run under
// errgroup instead of one monolithic per-peer goroutine.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gobt/internal/bitfield"
	"gobt/internal/logging"
	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
	"gobt/internal/piece"
)

var log = logging.For("peer")

const (
	dialTimeout      = 3 * time.Second
	handshakeTimeout = 3 * time.Second
	keepAliveSend    = 120 * time.Second
	idleReadTimeout  = 180 * time.Second
)

// Key uniquely identifies a connection for the piece manager's
// PeerKey-keyed bookkeeping; peers are never referenced by the piece
// manager except through this string (spec.md §9).
type Key = piece.PeerKey

// state is the per-peer choke/interest flags, held behind a short-lived
// mutex as spec.md §5 specifies ("share only the per-peer state via a
// mutex held for short critical sections").
type state struct {
	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	dhtPort        uint16
	remoteBitfield *bitfield.Bitfield
}

// Connection is one peer TCP connection plus its state machine.
type Connection struct {
	conn net.Conn
	key  Key
	addr string

	reader *peerwire.Reader
	writer *peerwire.Writer

	st state

	firstMsgSeen bool
	numPieces    int

	events   chan<- piece.Event
	lastSent atomic64
}

// atomic64 is a tiny send/receive-timestamp holder; it exists only so
// the write loop's keep-alive timer can read the last-sent time without
// taking the state mutex for an unrelated field.
type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// Dial connects to addr, performs the handshake (verifying infoHash),
// and returns a ready Connection. maxFrameLen should be
// max(peerwire.DefaultMaxFrameSize, pieceLength+13).
func Dial(ctx context.Context, addr string, infoHash metainfo.InfoHash, myPeerID [20]byte, numPieces int, maxFrameLen uint32) (*Connection, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if err := handshake(conn, infoHash, myPeerID); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Connection{
		conn:      conn,
		key:       Key(addr),
		addr:      addr,
		reader:    peerwire.NewReaderSize(conn, maxFrameLen),
		writer:    peerwire.NewWriter(conn),
		numPieces: numPieces,
		st:        state{amChoking: true, peerChoking: true},
	}
	return c, nil
}

func handshake(conn net.Conn, infoHash metainfo.InfoHash, myPeerID [20]byte) error {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	var out peerwire.Handshake
	out.InfoHash = infoHash
	out.PeerID = myPeerID
	out.SetExtended()

	if err := peerwire.Write(conn, out); err != nil {
		return fmt.Errorf("peer: sending handshake: %w", err)
	}

	in, err := peerwire.Read(conn)
	if err != nil {
		return fmt.Errorf("peer: reading handshake: %w", err)
	}
	if in.InfoHash != infoHash {
		return fmt.Errorf("peer: info hash mismatch")
	}

	return nil
}

// Addr returns the peer's dial address, also its Key.
func (c *Connection) Addr() string { return c.addr }

// Key returns the identifier the piece manager associates events with.
func (c *Connection) Key() Key { return c.key }

// Close tears down the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// Run drives the read and write loops under an errgroup rooted in ctx;
// a failure in either half cancels only this peer's sub-context, per
// spec.md §5 ("a single net.Conn failure cancels only that peer's
// sub-group, not the torrent").
func (c *Connection) Run(ctx context.Context, events chan<- piece.Event, outgoing <-chan OutMessage) error {
	c.events = events

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx, outgoing) })

	err := g.Wait()
	c.conn.Close()

	if c.events != nil {
		select {
		case c.events <- piece.PeerGoneEvent{Peer: c.key}:
		default:
		}
	}

	return err
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		msg, err := c.reader.ReadFrame()
		if err != nil {
			return fmt.Errorf("peer %s: read: %w", c.addr, err)
		}
		if msg.KeepAlive {
			continue
		}

		if err := c.dispatch(msg); err != nil {
			return fmt.Errorf("peer %s: %w", c.addr, err)
		}
	}
}

func (c *Connection) dispatch(msg *peerwire.Message) error {
	switch msg.ID {
	case peerwire.Choke:
		c.st.mu.Lock()
		c.st.peerChoking = true
		c.st.mu.Unlock()

	case peerwire.Unchoke:
		c.st.mu.Lock()
		c.st.peerChoking = false
		c.st.mu.Unlock()

	case peerwire.Interested:
		c.st.mu.Lock()
		c.st.peerInterested = true
		c.st.mu.Unlock()

	case peerwire.NotInterested:
		c.st.mu.Lock()
		c.st.peerInterested = false
		c.st.mu.Unlock()

	case peerwire.Have:
		idx, err := peerwire.ParseHave(msg.Payload)
		if err != nil {
			return err
		}
		c.ensureRemoteBitfield()
		c.st.mu.Lock()
		c.st.remoteBitfield.Set(int(idx))
		c.st.mu.Unlock()
		c.send(piece.HaveEvent{Peer: c.key, Index: int(idx)})

	case peerwire.Bitfield:
		if c.firstMsgSeen {
			return fmt.Errorf("bitfield arrived after the first message, protocol violation")
		}
		bits, err := bitfield.FromBytes(msg.Payload, c.numPieces)
		if err != nil {
			return fmt.Errorf("decoding bitfield: %w", err)
		}
		c.st.mu.Lock()
		c.st.remoteBitfield = bits
		c.st.mu.Unlock()
		c.send(piece.BitfieldEvent{Peer: c.key, Bits: bits})

	case peerwire.Piece:
		p, err := peerwire.ParsePiece(msg.Payload)
		if err != nil {
			return err
		}
		c.send(piece.PieceBlockEvent{Peer: c.key, Index: int(p.Index), Begin: int64(p.Begin), Data: p.Block})

	case peerwire.Request, peerwire.Cancel:
		// Upload path is out of scope for a download-only
		// implementation (spec.md §4.7); acknowledged and dropped.

	case peerwire.Port:
		port, err := peerwire.ParsePort(msg.Payload)
		if err != nil {
			return err
		}
		c.st.mu.Lock()
		c.st.dhtPort = port
		c.st.mu.Unlock()

	case peerwire.Extended:
		// BEP 10 extended messages (ut_metadata et al.) only matter
		// during magnet metadata bootstrap, which uses ReadExtended
		// directly rather than going through Run's dispatch loop;
		// an ordinary download connection simply has nothing to do
		// with one once metadata is known.
	}

	c.firstMsgSeen = true // any message (bitfield or not) closes the bitfield window
	return nil
}

func (c *Connection) ensureRemoteBitfield() {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	if c.st.remoteBitfield == nil {
		c.st.remoteBitfield = bitfield.New(c.numPieces)
	}
}

func (c *Connection) send(ev piece.Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.WithField("peer", c.addr).Warn("piece manager event channel full, dropping event")
	}
}

// OutMessage is something the writer loop should send: either a raw
// wire request/cancel, or a control message (interested/choke/etc).
type OutMessage struct {
	Kind   OutKind
	Index  uint32
	Begin  uint32
	Length uint32
}

type OutKind int

const (
	OutInterested OutKind = iota
	OutNotInterested
	OutChoke
	OutUnchoke
	OutRequest
	OutCancel
	OutHave
)

func (c *Connection) writeLoop(ctx context.Context, outgoing <-chan OutMessage) error {
	ticker := time.NewTicker(keepAliveSend / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-outgoing:
			if !ok {
				return nil
			}
			if err := c.writeOut(out); err != nil {
				return fmt.Errorf("peer %s: write: %w", c.addr, err)
			}
			c.lastSent.set(time.Now())

		case <-ticker.C:
			if time.Since(c.lastSent.get()) >= keepAliveSend {
				if err := c.writer.WriteKeepAlive(); err != nil {
					return fmt.Errorf("peer %s: keep-alive: %w", c.addr, err)
				}
				c.lastSent.set(time.Now())
			}
		}
	}
}

func (c *Connection) writeOut(out OutMessage) error {
	switch out.Kind {
	case OutInterested:
		c.st.mu.Lock()
		c.st.amInterested = true
		c.st.mu.Unlock()
		return c.writer.WriteInterested()

	case OutNotInterested:
		c.st.mu.Lock()
		c.st.amInterested = false
		c.st.mu.Unlock()
		return c.writer.WriteNotInterested()

	case OutChoke:
		c.st.mu.Lock()
		c.st.amChoking = true
		c.st.mu.Unlock()
		return c.writer.WriteChoke()

	case OutUnchoke:
		c.st.mu.Lock()
		c.st.amChoking = false
		c.st.mu.Unlock()
		return c.writer.WriteUnchoke()

	case OutRequest:
		return c.writer.WriteRequest(out.Index, out.Begin, out.Length)

	case OutCancel:
		return c.writer.WriteCancel(out.Index, out.Begin, out.Length)

	case OutHave:
		return c.writer.WriteHave(out.Index)
	}
	return nil
}

// PeerChoking reports whether the remote peer is currently choking us.
func (c *Connection) PeerChoking() bool {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.peerChoking
}

// RemoteBitfield returns the peer's advertised bitfield, or nil if none
// has arrived yet (the "lazy bitfield" case: have messages seed it).
// Called from the requestLoop goroutine while dispatch (readLoop)
// writes it, so both sides go through c.st.mu.
func (c *Connection) RemoteBitfield() *bitfield.Bitfield {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.remoteBitfield
}

// DHTPort returns the port the peer advertised via a port message, or 0.
func (c *Connection) DHTPort() uint16 {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	return c.st.dhtPort
}

// SendExtended writes a BEP 10 extended message with the given ext-id.
// It satisfies internal/metadata's wireConn interface for the magnet
// bootstrap connection, which talks directly to the reader/writer
// instead of going through Run's read/write loops.
func (c *Connection) SendExtended(extID byte, payload []byte) error {
	return c.writer.WriteExtended(extID, payload)
}

// ReadExtended blocks for the next extended message, honoring ctx's
// deadline, skipping any non-extended frame it sees in between (the
// bootstrap connection has no piece manager to route those to).
func (c *Connection) ReadExtended(ctx context.Context) (byte, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.reader.ReadFrame()
		if err != nil {
			return 0, nil, err
		}
		if msg.KeepAlive || msg.ID != peerwire.Extended || len(msg.Payload) == 0 {
			continue
		}
		return msg.Payload[0], msg.Payload[1:], nil
	}
}
