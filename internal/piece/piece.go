// Package piece implements the piece/block scheduler: rarest-first
// selection, block pipelining, request timeouts, and hash verification,
// generalizing the teacher's inline Downloaded/DownloadMutex bookkeeping
// in torrent/p2p.go into a standalone, peer-agnostic state machine
// driven entirely by channel events (spec.md §4.8, §9).
package piece

import (
	"bytes"
	"context"
	"crypto/sha1"
	"time"

	"gobt/internal/bitfield"
	"gobt/internal/logging"
	"gobt/internal/metainfo"
	"gobt/internal/storage"
)

var log = logging.For("piece")

const (
	// BlockSize is the fixed request granularity (spec.md §4.8).
	BlockSize = 1 << 14

	// DefaultPipelineDepth is N, the default number of outstanding
	// pipelined requests allowed per peer.
	DefaultPipelineDepth = 4

	// RequestTimeout is how long a Requested block waits before it is
	// returned to Empty and a cancel is sent to the peer that owed it.
	RequestTimeout = 30 * time.Second

	// MaxFailures is the number of failed verifications of one piece a
	// peer may contribute blocks to; on reaching it the piece manager
	// asks the caller to disconnect the peer. Counts are kept per piece.
	MaxFailures = 2
)

type pieceState int

const (
	stateMissing pieceState = iota
	statePartial
	stateComplete
	stateVerified
	stateFlushed
)

type blockState int

const (
	blockEmpty blockState = iota
	blockRequested
	blockReceived
)

// PeerKey identifies a peer connection without the piece manager needing
// to know anything else about it; peer.Connection supplies it.
type PeerKey string

type pieceEntry struct {
	state       pieceState
	length      int64
	blocks      []blockState
	data        []byte
	requestedAt []time.Time
	requestedBy []PeerKey
	failures    map[PeerKey]int
}

func numBlocks(length int64) int {
	return int((length + BlockSize - 1) / BlockSize)
}

func blockLength(pieceLength int64, blockIdx int) int64 {
	remaining := pieceLength - int64(blockIdx)*BlockSize
	if remaining > BlockSize {
		return BlockSize
	}
	return remaining
}

func newPieceEntry(length int64) *pieceEntry {
	n := numBlocks(length)
	return &pieceEntry{
		state:       stateMissing,
		length:      length,
		blocks:      make([]blockState, n),
		data:        make([]byte, length),
		requestedAt: make([]time.Time, n),
		requestedBy: make([]PeerKey, n),
		failures:    make(map[PeerKey]int),
	}
}

// Request is one outstanding or to-be-sent block request.
type Request struct {
	Index  int
	Begin  int64
	Length int64
}

// Manager owns PeerBitfields, Availability and Pieces (spec.md §4.8) and
// is driven exclusively by the Event channel passed to Run, so it is
// safe to run as the single piece-manager task spec.md §5 requires.
type Manager struct {
	info   *metainfo.Info
	layout *storage.Layout

	pieces       []*pieceEntry
	peerBitfield map[PeerKey]*bitfield.Bitfield
	availability *bitfield.Availability
	pipelineN    int

	have     *bitfield.Bitfield // our own aggregate bitfield
	verified chan<- int         // piece indices, for status reporting
	disconn  chan<- PeerKey     // peers to disconnect (2-strike rule)

	haveOut   chan<- int           // index to broadcast have(index) to all peers
	cancelOut chan<- CancelRequest // blocks that timed out, to wire-cancel on their owning peer
}

// CancelRequest names one block whose Requested slot timed out back to
// Empty (spec.md §4.8): the peer that owed it still thinks we want it
// until a wire cancel tells it otherwise.
type CancelRequest struct {
	Peer   PeerKey
	Index  int
	Begin  int64
	Length int64
}

// NewManager builds a Manager for info, persisting into layout.
// verified and disconn may be nil if the caller doesn't need those
// signals; haveOut and cancelOut may be nil if there is nobody to
// broadcast have()/cancel() to yet (e.g. tests).
func NewManager(info *metainfo.Info, layout *storage.Layout, verified chan<- int, disconn chan<- PeerKey, haveOut chan<- int, cancelOut chan<- CancelRequest) *Manager {
	pieces := make([]*pieceEntry, info.NumPieces())
	for i := range pieces {
		length := info.PieceLength
		if i == len(pieces)-1 {
			length = info.LastPieceLength()
		}
		pieces[i] = newPieceEntry(length)
	}

	return &Manager{
		info:         info,
		layout:       layout,
		pieces:       pieces,
		peerBitfield: make(map[PeerKey]*bitfield.Bitfield),
		availability: bitfield.NewAvailability(len(pieces)),
		pipelineN:    DefaultPipelineDepth,
		have:         bitfield.New(len(pieces)),
		verified:     verified,
		disconn:      disconn,
		haveOut:      haveOut,
		cancelOut:    cancelOut,
	}
}

// Event is the tagged union of everything that can mutate Manager state;
// peers and trackers send these on a bounded channel rather than calling
// Manager methods directly, so all mutation is serialised in Run.
type Event interface{ isEvent() }

type BitfieldEvent struct {
	Peer PeerKey
	Bits *bitfield.Bitfield
}

type HaveEvent struct {
	Peer  PeerKey
	Index int
}

type PieceBlockEvent struct {
	Peer  PeerKey
	Index int
	Begin int64
	Data  []byte
}

type PeerGoneEvent struct {
	Peer PeerKey
}

func (BitfieldEvent) isEvent()   {}
func (HaveEvent) isEvent()       {}
func (PieceBlockEvent) isEvent() {}
func (PeerGoneEvent) isEvent()   {}

// Run drains events until ctx is cancelled, sweeping timed-out requests
// every few seconds in between.
func (m *Manager) Run(ctx context.Context, events <-chan Event) {
	sweep := time.NewTicker(5 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		case <-sweep.C:
			m.sweepTimeouts()
		}
	}
}

func (m *Manager) handle(ev Event) {
	switch e := ev.(type) {
	case BitfieldEvent:
		m.onBitfield(e.Peer, e.Bits)
	case HaveEvent:
		m.onHave(e.Peer, e.Index)
	case PieceBlockEvent:
		m.onBlock(e.Peer, e.Index, e.Begin, e.Data)
	case PeerGoneEvent:
		m.onPeerGone(e.Peer)
	}
}

func (m *Manager) onBitfield(peer PeerKey, bits *bitfield.Bitfield) {
	if old, ok := m.peerBitfield[peer]; ok {
		m.availability.RemoveBitfield(old)
	}
	m.peerBitfield[peer] = bits
	m.availability.ApplyBitfield(bits)
}

func (m *Manager) onHave(peer PeerKey, index int) {
	bits, ok := m.peerBitfield[peer]
	if !ok {
		bits = bitfield.New(len(m.pieces))
		m.peerBitfield[peer] = bits
	}
	if !bits.Has(index) {
		bits.Set(index)
		m.availability.Inc(index)
	}
}

func (m *Manager) onPeerGone(peer PeerKey) {
	if bits, ok := m.peerBitfield[peer]; ok {
		m.availability.RemoveBitfield(bits)
		delete(m.peerBitfield, peer)
	}

	for _, entry := range m.pieces {
		if entry.state != statePartial {
			continue
		}
		for i, owner := range entry.requestedBy {
			if owner == peer && entry.blocks[i] == blockRequested {
				entry.blocks[i] = blockEmpty
			}
		}
	}
}

func (m *Manager) onBlock(peer PeerKey, index int, begin int64, data []byte) {
	if index < 0 || index >= len(m.pieces) {
		return
	}
	entry := m.pieces[index]
	if entry.state == stateComplete || entry.state == stateVerified || entry.state == stateFlushed {
		return
	}

	blockIdx := int(begin / BlockSize)
	if blockIdx < 0 || blockIdx >= len(entry.blocks) {
		return
	}

	copy(entry.data[begin:], data)
	entry.blocks[blockIdx] = blockReceived
	entry.requestedBy[blockIdx] = peer
	entry.state = statePartial

	for _, b := range entry.blocks {
		if b != blockReceived {
			return
		}
	}

	m.verifyPiece(index, entry)
}

func (m *Manager) verifyPiece(index int, entry *pieceEntry) {
	entry.state = stateComplete
	sum := sha1.Sum(entry.data)

	if !bytes.Equal(sum[:], m.info.Pieces[index][:]) {
		log.WithField("piece", index).Warn("hash mismatch, resetting piece")
		m.failVerification(index, entry)
		return
	}

	entry.state = stateVerified
	m.have.Set(index)

	offset := int64(index) * m.info.PieceLength
	if err := m.layout.WriteAt(offset, entry.data); err != nil {
		log.WithField("piece", index).WithError(err).Error("failed to persist verified piece")
		return
	}
	entry.state = stateFlushed
	entry.data = nil // release memory once flushed to disk

	if m.verified != nil {
		select {
		case m.verified <- index:
		default:
		}
	}
	if m.haveOut != nil {
		select {
		case m.haveOut <- index:
		default:
		}
	}
}

func (m *Manager) failVerification(index int, entry *pieceEntry) {
	contributors := make(map[PeerKey]struct{})
	for _, owner := range entry.requestedBy {
		if owner != "" {
			contributors[owner] = struct{}{}
		}
	}

	for peer := range contributors {
		entry.failures[peer]++
		if entry.failures[peer] >= MaxFailures && m.disconn != nil {
			select {
			case m.disconn <- peer:
			default:
			}
		}
	}

	failures := entry.failures
	*entry = *newPieceEntry(entry.length)
	entry.failures = failures
}

func (m *Manager) sweepTimeouts() {
	now := time.Now()
	for idx, entry := range m.pieces {
		if entry.state != statePartial {
			continue
		}
		for i, st := range entry.blocks {
			if st != blockRequested || now.Sub(entry.requestedAt[i]) <= RequestTimeout {
				continue
			}

			owner := entry.requestedBy[i]
			entry.blocks[i] = blockEmpty
			entry.requestedBy[i] = ""

			if owner != "" && m.cancelOut != nil {
				select {
				case m.cancelOut <- CancelRequest{
					Peer:   owner,
					Index:  idx,
					Begin:  int64(i) * BlockSize,
					Length: blockLength(entry.length, i),
				}:
				default:
				}
			}
		}
	}
}

// SelectRequests returns up to the pipeline depth's worth of new
// requests to send to peer, given its advertised bitfield, implementing
// rarest-first selection (spec.md §4.8): filter to pieces the peer has
// and we lack, order by ascending availability, break ties by index.
func (m *Manager) SelectRequests(peer PeerKey, peerBits *bitfield.Bitfield) []Request {
	outstanding := m.outstandingCount(peer)
	budget := m.pipelineN - outstanding
	if budget <= 0 {
		return nil
	}

	candidates := m.have.Missing(peerBits)
	sortByAvailability(candidates, m.availability)

	var reqs []Request
	for _, idx := range candidates {
		if len(reqs) >= budget {
			break
		}
		entry := m.pieces[idx]
		if entry.state == stateVerified || entry.state == stateFlushed {
			continue
		}

		for b, st := range entry.blocks {
			if len(reqs) >= budget {
				break
			}
			if st != blockEmpty {
				continue
			}

			entry.blocks[b] = blockRequested
			entry.requestedAt[b] = time.Now()
			entry.requestedBy[b] = peer
			if entry.state == stateMissing {
				entry.state = statePartial
			}

			begin := int64(b) * BlockSize
			reqs = append(reqs, Request{
				Index:  idx,
				Begin:  begin,
				Length: blockLength(entry.length, b),
			})
		}
	}

	return reqs
}

func (m *Manager) outstandingCount(peer PeerKey) int {
	n := 0
	for _, entry := range m.pieces {
		if entry.state != statePartial {
			continue
		}
		for i, st := range entry.blocks {
			if st == blockRequested && entry.requestedBy[i] == peer {
				n++
			}
		}
	}
	return n
}

func sortByAvailability(indices []int, avail *bitfield.Availability) {
	// Small N per call (missing pieces for one peer); insertion sort
	// keeps this allocation-free and is plenty fast at torrent piece
	// counts.
	for i := 1; i < len(indices); i++ {
		j := i
		for j > 0 && less(indices[j], indices[j-1], avail) {
			indices[j], indices[j-1] = indices[j-1], indices[j]
			j--
		}
	}
}

func less(a, b int, avail *bitfield.Availability) bool {
	ac, bc := avail.Count(a), avail.Count(b)
	if ac != bc {
		return ac < bc
	}
	return a < b
}

// HaveBitfield returns the manager's own aggregate bitfield, for sending
// to newly connected peers.
func (m *Manager) HaveBitfield() *bitfield.Bitfield { return m.have }

// Done reports whether every piece has reached Flushed.
func (m *Manager) Done() bool {
	for _, entry := range m.pieces {
		if entry.state != stateFlushed {
			return false
		}
	}
	return true
}
