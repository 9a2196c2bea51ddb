// Package metadata implements the BEP 9 ut_metadata bootstrap: fetching
// the info dictionary from a peer when a torrent was added by magnet URI
// and has no Info yet (SPEC_FULL.md §4.10, new relative to spec.md).
package metadata

import (
	"context"
	"fmt"
	"time"

	"gobt/internal/logging"
	"gobt/internal/metainfo"
	"gobt/internal/peerwire"
)

var log = logging.For("metadata")

const (
	metadataPieceSize = 16 * 1024
	requestTimeout    = 30 * time.Second
	utMetadataName    = "ut_metadata"
)

// wireConn is the minimal surface Fetcher needs from a peer connection;
// internal/peer.Connection implements it, and tests can fake it.
type wireConn interface {
	SendExtended(extID byte, payload []byte) error
	ReadExtended(ctx context.Context) (extID byte, payload []byte, err error)
}

// Fetcher drives the extension handshake and piece-by-piece metadata
// exchange against one peer connection at a time.
type Fetcher struct {
	conn     wireConn
	infoHash metainfo.InfoHash

	peerUTMetadataID byte
	size             int64
}

// NewFetcher wraps conn for a single metadata-fetch attempt.
func NewFetcher(conn wireConn, infoHash metainfo.InfoHash) *Fetcher {
	return &Fetcher{conn: conn, infoHash: infoHash}
}

// Fetch performs the handshake, learns the peer's ut_metadata id and
// metadata_size, requests every 16 KiB piece in order, and verifies the
// reassembled dictionary's SHA-1 against infoHash. A mismatch or a peer
// that doesn't support the extension is a protocol-violation-class
// failure (not torrent-fatal); the caller should retry with the next
// peer offering ut_metadata.
func (f *Fetcher) Fetch(ctx context.Context) (*metainfo.Info, error) {
	hsPayload := peerwire.EncodeExtendedHandshake(map[string]int64{utMetadataName: 1})
	if err := f.conn.SendExtended(peerwire.ExtHandshakeID, hsPayload); err != nil {
		return nil, fmt.Errorf("metadata: sending extension handshake: %w", err)
	}

	if err := f.awaitPeerHandshake(ctx); err != nil {
		return nil, err
	}

	if f.size <= 0 {
		return nil, fmt.Errorf("metadata: peer did not advertise a metadata size")
	}

	numPieces := int((f.size + metadataPieceSize - 1) / metadataPieceSize)
	buf := make([]byte, f.size)

	for i := 0; i < numPieces; i++ {
		if err := f.requestPiece(ctx, i, buf); err != nil {
			return nil, err
		}
	}

	info, hash, err := metainfo.DecodeInfo(buf)
	if err != nil {
		return nil, fmt.Errorf("metadata: decoding assembled info dict: %w", err)
	}
	if hash != f.infoHash {
		return nil, fmt.Errorf("metadata: assembled info dict hash mismatch")
	}

	return info, nil
}

func (f *Fetcher) awaitPeerHandshake(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	extID, payload, err := f.conn.ReadExtended(reqCtx)
	if err != nil {
		return fmt.Errorf("metadata: awaiting peer extension handshake: %w", err)
	}
	if extID != peerwire.ExtHandshakeID {
		return fmt.Errorf("metadata: expected extension handshake, got ext-id %d", extID)
	}

	hs, err := peerwire.DecodeExtendedHandshake(payload)
	if err != nil {
		return fmt.Errorf("metadata: decoding peer extension handshake: %w", err)
	}

	id, ok := hs.M[utMetadataName]
	if !ok {
		return fmt.Errorf("metadata: peer does not advertise %s", utMetadataName)
	}
	f.peerUTMetadataID = byte(id)
	f.size = hs.MetadataSize

	return nil
}

func (f *Fetcher) requestPiece(ctx context.Context, index int, out []byte) error {
	reqPayload := peerwire.EncodeMetadataRequest(index)
	if err := f.conn.SendExtended(f.peerUTMetadataID, reqPayload); err != nil {
		return fmt.Errorf("metadata: requesting piece %d: %w", index, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	extID, payload, err := f.conn.ReadExtended(reqCtx)
	if err != nil {
		return fmt.Errorf("metadata: awaiting piece %d: %w", index, err)
	}
	if extID != f.peerUTMetadataID {
		return fmt.Errorf("metadata: piece %d reply on unexpected ext-id %d", index, extID)
	}

	msg, n, err := peerwire.DecodeMetadataMessage(payload)
	if err != nil {
		return fmt.Errorf("metadata: decoding piece %d header: %w", index, err)
	}

	switch msg.MsgType {
	case peerwire.MetadataReject:
		return fmt.Errorf("metadata: peer rejected piece %d", index)
	case peerwire.MetadataData:
		// fall through
	default:
		return fmt.Errorf("metadata: unexpected msg_type %d for piece %d", msg.MsgType, index)
	}

	raw := payload[n:]
	start := index * metadataPieceSize
	end := start + len(raw)
	if end > len(out) {
		return fmt.Errorf("metadata: piece %d overruns declared size", index)
	}
	copy(out[start:end], raw)

	log.WithField("piece", index).WithField("bytes", len(raw)).Debug("metadata piece received")
	return nil
}
