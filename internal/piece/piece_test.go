package piece

import (
	"context"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/bitfield"
	"gobt/internal/metainfo"
	"gobt/internal/storage"
)

func testInfo(data []byte, pieceLength int64) *metainfo.Info {
	var pieces [][20]byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		pieces = append(pieces, sha1.Sum(data[off:end]))
	}
	return &metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Mode:        metainfo.ModeSingle,
		Single:      &metainfo.SingleMode{Name: "file.bin", Length: int64(len(data))},
	}
}

func TestSelectRequestsRarestFirst(t *testing.T) {
	data := make([]byte, 64) // 2 pieces of 32 bytes, 2 blocks each won't apply since BlockSize=16KiB > 32
	info := testInfo(data, 32)

	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	m := NewManager(info, layout, nil, nil, nil, nil)

	peerBits := bitfield.New(2)
	peerBits.Set(0)
	peerBits.Set(1)

	// Piece 1 is rarer (availability 1) than piece 0 (availability 2).
	m.availability.Inc(0)
	m.availability.Inc(0)
	m.availability.Inc(1)

	reqs := m.SelectRequests("peerA", peerBits)
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[0].Index, "rarer piece should be requested first")
	assert.Equal(t, 0, reqs[1].Index)
}

func TestOnBlockVerifiesAndFlushesPiece(t *testing.T) {
	data := []byte("0123456789abcdef") // 16 bytes, one block, one piece
	info := testInfo(data, 16)

	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	verified := make(chan int, 1)
	m := NewManager(info, layout, verified, nil, nil, nil)

	m.onBlock("peerA", 0, 0, data)

	select {
	case idx := <-verified:
		assert.Equal(t, 0, idx)
	case <-time.After(time.Second):
		t.Fatal("expected piece 0 to verify")
	}

	assert.True(t, m.HaveBitfield().Has(0))

	written, err := layout.ReadAt(0, 16)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestOnBlockHashMismatchDisconnectsAfterTwoFailures(t *testing.T) {
	data := []byte("0123456789abcdef")
	info := testInfo(data, 16)

	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	disconn := make(chan PeerKey, 1)
	m := NewManager(info, layout, nil, disconn, nil, nil)

	bad := []byte("xxxxxxxxxxxxxxxx")

	m.onBlock("peerA", 0, 0, bad)
	select {
	case <-disconn:
		t.Fatal("should not disconnect after one failure")
	default:
	}

	m.onBlock("peerA", 0, 0, bad)
	select {
	case p := <-disconn:
		assert.Equal(t, PeerKey("peerA"), p)
	case <-time.After(time.Second):
		t.Fatal("expected disconnect after second failure")
	}
}

func TestPeerGoneFreesOutstandingBlocks(t *testing.T) {
	data := make([]byte, 32)
	info := testInfo(data, 32)

	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	m := NewManager(info, layout, nil, nil, nil, nil)
	peerBits := bitfield.New(1)
	peerBits.Set(0)

	reqs := m.SelectRequests("peerA", peerBits)
	require.NotEmpty(t, reqs)
	assert.Equal(t, 1, m.outstandingCount("peerA"))

	m.onPeerGone("peerA")
	assert.Equal(t, 0, m.outstandingCount("peerA"))
}

func TestRunProcessesEventsUntilCancelled(t *testing.T) {
	data := []byte("0123456789abcdef")
	info := testInfo(data, 16)
	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	verified := make(chan int, 1)
	m := NewManager(info, layout, verified, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 1)

	go m.Run(ctx, events)

	events <- PieceBlockEvent{Peer: "peerA", Index: 0, Begin: 0, Data: data}

	select {
	case idx := <-verified:
		assert.Equal(t, 0, idx)
	case <-time.After(time.Second):
		t.Fatal("expected piece to verify via Run")
	}

	cancel()
}

func TestSweepTimeoutsCancelsAndFreesBlock(t *testing.T) {
	data := make([]byte, 32)
	info := testInfo(data, 32)

	dir := t.TempDir()
	layout := storage.NewLayout(info, dir)
	require.NoError(t, layout.Prepare())

	cancels := make(chan CancelRequest, 1)
	m := NewManager(info, layout, nil, nil, nil, cancels)

	peerBits := bitfield.New(1)
	peerBits.Set(0)
	reqs := m.SelectRequests("peerA", peerBits)
	require.NotEmpty(t, reqs)

	entry := m.pieces[0]
	for i := range entry.requestedAt {
		entry.requestedAt[i] = time.Now().Add(-RequestTimeout - time.Second)
	}

	m.sweepTimeouts()

	select {
	case c := <-cancels:
		assert.Equal(t, PeerKey("peerA"), c.Peer)
		assert.Equal(t, 0, c.Index)
	case <-time.After(time.Second):
		t.Fatal("expected a cancel for the timed-out block")
	}
	assert.Equal(t, 0, m.outstandingCount("peerA"))
}
