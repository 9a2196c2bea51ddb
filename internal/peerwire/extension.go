package peerwire

import (
	"fmt"

	"gobt/internal/bencode"
)

// ExtHandshakeID is the reserved ext-id for the extension handshake
// itself (BEP 10); all other ext-ids are locally assigned and advertised
// through it.
const ExtHandshakeID = 0

// ExtendedHandshake is the bencoded payload of ext-id 0: a name->id
// mapping of the extensions this peer supports, plus optional metadata
// size once known.
type ExtendedHandshake struct {
	M            map[string]int64
	MetadataSize int64 // 0 if absent
}

// EncodeExtendedHandshake builds the bencoded payload for an ext-id 0
// message advertising the given extension name->id map.
func EncodeExtendedHandshake(m map[string]int64) []byte {
	dict := make(map[string]*bencode.Value, len(m)+1)
	mDict := make(map[string]*bencode.Value, len(m))
	for name, id := range m {
		mDict[name] = bencode.Int(id)
	}
	dict["m"] = bencode.Dict(mDict)
	return bencode.Encode(bencode.Dict(dict))
}

// DecodeExtendedHandshake parses an ext-id 0 payload.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	v, err := bencode.DecodeFull(payload, bencode.DefaultTrackerDepth)
	if err != nil {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: decoding extension handshake: %w", err)
	}

	mVal := v.DictGet("m")
	mDict, err := mVal.AsDict()
	if err != nil {
		return ExtendedHandshake{}, fmt.Errorf("peerwire: extension handshake missing \"m\": %w", err)
	}

	out := ExtendedHandshake{M: make(map[string]int64, len(mDict))}
	for name, idVal := range mDict {
		id, err := idVal.AsInt()
		if err != nil {
			continue
		}
		out.M[name] = id
	}

	if sizeVal := v.DictGet("metadata_size"); sizeVal != nil {
		if size, err := sizeVal.AsInt(); err == nil {
			out.MetadataSize = size
		}
	}

	return out, nil
}

// Metadata extension (ut_metadata, BEP 9) message types.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// EncodeMetadataRequest builds the bencoded header for a ut_metadata
// request for piece index i. The data message's header is followed by
// raw bytes (the piece payload), which this function does not produce —
// only requests carry no trailing bytes.
func EncodeMetadataRequest(piece int) []byte {
	dict := map[string]*bencode.Value{
		"msg_type": bencode.Int(MetadataRequest),
		"piece":    bencode.Int(int64(piece)),
	}
	return bencode.Encode(bencode.Dict(dict))
}

// MetadataMessage is a decoded ut_metadata message header; Data messages
// carry trailing raw bytes beyond what this header describes, which the
// caller slices out of the original payload using the header length
// DecodeMetadataMessage returns.
type MetadataMessage struct {
	MsgType  int64
	Piece    int64
	TotalSize int64 // present on msg_type=1 (data)
}

// DecodeMetadataMessage parses a ut_metadata payload's bencoded header
// and returns how many leading bytes of payload that header consumed;
// payload[n:] is the raw metadata bytes for a data message.
func DecodeMetadataMessage(payload []byte) (MetadataMessage, int, error) {
	v, n, err := bencode.Decode(payload, bencode.DefaultTrackerDepth)
	if err != nil {
		return MetadataMessage{}, 0, fmt.Errorf("peerwire: decoding ut_metadata header: %w", err)
	}

	msgType, err := v.DictGet("msg_type").AsInt()
	if err != nil {
		return MetadataMessage{}, 0, fmt.Errorf("peerwire: ut_metadata missing msg_type: %w", err)
	}
	piece, _ := v.DictGet("piece").AsInt()

	var totalSize int64
	if tv := v.DictGet("total_size"); tv != nil {
		totalSize, _ = tv.AsInt()
	}

	return MetadataMessage{MsgType: msgType, Piece: piece, TotalSize: totalSize}, n, nil
}
