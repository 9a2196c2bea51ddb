package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
	"gobt/internal/piece"
)

func TestDialPerformsHandshakeAndVerifiesInfoHash(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var infoHash metainfo.InfoHash
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	var remoteID [20]byte
	for i := range remoteID {
		remoteID[i] = byte(99 - i)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		in, err := peerwire.Read(conn)
		if err != nil || in.InfoHash != infoHash {
			return
		}

		out := peerwire.Handshake{InfoHash: infoHash, PeerID: remoteID}
		peerwire.Write(conn, out)
	}()

	var myID [20]byte
	conn, err := Dial(context.Background(), ln.Addr().String(), infoHash, myID, 10, peerwire.DefaultMaxFrameSize)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, ln.Addr().String(), conn.Addr())
}

func TestDialRejectsInfoHashMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var wantHash, gotHash metainfo.InfoHash
	gotHash[0] = 0xFF

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		peerwire.Read(conn)
		out := peerwire.Handshake{InfoHash: gotHash}
		peerwire.Write(conn, out)
	}()

	var myID [20]byte
	_, err = Dial(context.Background(), ln.Addr().String(), wantHash, myID, 10, peerwire.DefaultMaxFrameSize)
	assert.Error(t, err)
}

func TestDispatchBitfieldThenLateBitfieldIsFatal(t *testing.T) {
	c := &Connection{numPieces: 8, st: state{peerChoking: true}}
	events := make(chan piece.Event, 4)
	c.events = events

	payload := []byte{0xFF} // 8 bits set
	err := c.dispatch(&peerwire.Message{ID: peerwire.Bitfield, Payload: payload})
	require.NoError(t, err)

	select {
	case ev := <-events:
		_, ok := ev.(piece.BitfieldEvent)
		assert.True(t, ok)
	default:
		t.Fatal("expected a BitfieldEvent")
	}

	err = c.dispatch(&peerwire.Message{ID: peerwire.Bitfield, Payload: payload})
	assert.Error(t, err, "a second bitfield message must be fatal")
}

func TestDispatchHaveSeedsLazyBitfield(t *testing.T) {
	c := &Connection{numPieces: 4, st: state{peerChoking: true}}
	events := make(chan piece.Event, 4)
	c.events = events

	havePayload := []byte{0, 0, 0, 2}
	require.NoError(t, c.dispatch(&peerwire.Message{ID: peerwire.Have, Payload: havePayload}))

	require.NotNil(t, c.RemoteBitfield())
	assert.True(t, c.RemoteBitfield().Has(2))
}

func TestDispatchUnchokeUpdatesState(t *testing.T) {
	c := &Connection{numPieces: 1, st: state{peerChoking: true}}
	require.NoError(t, c.dispatch(&peerwire.Message{ID: peerwire.Unchoke}))
	assert.False(t, c.PeerChoking())
}

func TestWriteLoopExitsOnContextCancel(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Connection{conn: client, writer: peerwire.NewWriter(client), addr: "test"}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	outgoing := make(chan OutMessage)

	done := make(chan error, 1)
	go func() { done <- c.writeLoop(ctx, outgoing) }()

	<-ctx.Done()
	<-done
}
