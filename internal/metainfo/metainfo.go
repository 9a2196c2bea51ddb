// Package metainfo builds a TorrentInfo from either a .torrent file or a
// magnet URI, and computes the info-hash that identifies the torrent on
// the wire.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net"
	"os"

	"github.com/jackpal/bencode-go"

	gbencode "gobt/internal/bencode"
	"gobt/internal/logging"
)

var log = logging.For("metainfo")

// InfoHash is the SHA-1 of the bencoded info dictionary; it is the
// torrent's global identity.
type InfoHash [20]byte

func (h InfoHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Peer is a discovered endpoint, optionally carrying the 20-byte peer id
// advertised at the tracker (rare) or learned at handshake time.
type Peer struct {
	ID   *[20]byte
	IP   net.IP
	Port uint16
}

// Addr renders the peer's dial address; also used as its hash key for
// dedup.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// File is one entry of a multi-file torrent.
type File struct {
	Length int64
	Path   []string
	MD5Sum string
}

// ModeKind distinguishes single-file from multi-file torrents.
type ModeKind int

const (
	ModeSingle ModeKind = iota
	ModeMulti
)

// SingleMode describes a single-file torrent's payload.
type SingleMode struct {
	Name   string
	Length int64
	MD5Sum string
}

// MultiMode describes a multi-file torrent's payload.
type MultiMode struct {
	DirName string
	Files   []File
}

// Info is the parsed `info` dictionary: piece layout plus file layout.
// Info is nil on a TorrentInfo built from a magnet URI until the
// metadata extension protocol (internal/metadata) fetches it.
type Info struct {
	PieceLength int64
	Pieces      [][20]byte
	Private     bool

	Mode   ModeKind
	Single *SingleMode
	Multi  *MultiMode
}

// NumPieces returns the number of pieces described by Pieces.
func (i *Info) NumPieces() int { return len(i.Pieces) }

// TotalSize sums file lengths for both single- and multi-file layouts.
func (i *Info) TotalSize() int64 {
	if i.Mode == ModeSingle {
		return i.Single.Length
	}
	var total int64
	for _, f := range i.Multi.Files {
		total += f.Length
	}
	return total
}

// LastPieceLength returns the length of the final (possibly short)
// piece, per spec.md §3's invariant:
// sum(file.length) == piece_length*(pieces-1) + last_piece_remainder.
func (i *Info) LastPieceLength() int64 {
	total := i.TotalSize()
	n := int64(i.NumPieces())
	if n == 0 {
		return 0
	}
	remainder := total - i.PieceLength*(n-1)
	if remainder <= 0 {
		return i.PieceLength
	}
	return remainder
}

// Name returns the torrent's display name regardless of mode.
func (i *Info) Name() string {
	if i.Mode == ModeSingle {
		return i.Single.Name
	}
	return i.Multi.DirName
}

// TorrentInfo is the announce set plus (possibly deferred) Info, shared
// read-only by every subsystem once built.
type TorrentInfo struct {
	InfoHash InfoHash

	HTTPTrackers []string
	UDPTrackers  []string
	DirectPeers  []Peer

	Comment      string
	CreatedBy    string
	CreationDate int64

	// DisplayName is the magnet URI's dn= hint (spec.md §4.2 scenario
	// 2). It's cosmetic only — Info.Name(), once known, is the
	// authoritative name everything else (file layout, piece hashing)
	// relies on. Empty for torrents parsed from a .torrent file, which
	// always have Info immediately.
	DisplayName string

	Info *Info // nil until metadata is known (magnet case)
}

// Name returns the torrent's display name: Info's authoritative name
// once metadata is known, otherwise the magnet URI's dn= hint (or "" if
// the magnet had none).
func (t *TorrentInfo) Name() string {
	if t.Info != nil {
		return t.Info.Name()
	}
	return t.DisplayName
}

// rawTorrentFile mirrors BEP 3's top-level dictionary; field tags match
// github.com/jackpal/bencode-go's convention (same tags the teacher
// used), so decoding the typed envelope is one Unmarshal call.
type rawTorrentFile struct {
	Announce     string          `bencode:"announce"`
	AnnounceList [][]string      `bencode:"announce-list"`
	Comment      string          `bencode:"comment"`
	CreatedBy    string          `bencode:"created by"`
	CreationDate int64           `bencode:"creation date"`
	Info         rawInfo         `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64      `bencode:"piece length"`
	Pieces      string     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"`
	Files       []rawFile  `bencode:"files"`
	MD5Sum      string     `bencode:"md5sum"`
	Private     int        `bencode:"private"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	MD5Sum string   `bencode:"md5sum"`
}

// ParseFile loads and parses a .torrent file from disk into a fully
// populated TorrentInfo, including the info-hash.
func ParseFile(path string) (*TorrentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}
	return ParseFileBytes(data)
}

// ParseFileBytes parses an already-read .torrent file's bytes.
func ParseFileBytes(data []byte) (*TorrentInfo, error) {
	var raw rawTorrentFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding torrent file: %w", err)
	}

	hash, err := computeInfoHash(data)
	if err != nil {
		return nil, err
	}
	log.WithField("info_hash", hash).Info("parsed torrent file")

	info, err := buildInfo(raw.Info)
	if err != nil {
		return nil, err
	}

	httpTrackers, udpTrackers := FlattenAnnounce(raw.Announce, raw.AnnounceList)

	return &TorrentInfo{
		InfoHash:     hash,
		HTTPTrackers: httpTrackers,
		UDPTrackers:  udpTrackers,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		CreationDate: raw.CreationDate,
		Info:         info,
	}, nil
}

func buildInfo(raw rawInfo) (*Info, error) {
	if raw.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", raw.PieceLength)
	}
	if len(raw.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d not a multiple of 20", len(raw.Pieces))
	}

	numPieces := len(raw.Pieces) / 20
	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], raw.Pieces[i*20:(i+1)*20])
	}

	info := &Info{
		PieceLength: raw.PieceLength,
		Pieces:      pieces,
		Private:     raw.Private != 0,
	}

	if len(raw.Files) == 0 {
		info.Mode = ModeSingle
		info.Single = &SingleMode{Name: raw.Name, Length: raw.Length, MD5Sum: raw.MD5Sum}
	} else {
		info.Mode = ModeMulti
		files := make([]File, len(raw.Files))
		for i, f := range raw.Files {
			files[i] = File{Length: f.Length, Path: f.Path, MD5Sum: f.MD5Sum}
		}
		info.Multi = &MultiMode{DirName: raw.Name, Files: files}
	}

	total := info.TotalSize()
	expected := info.PieceLength*(int64(numPieces)-1) + info.LastPieceLength()
	if numPieces > 0 && total != expected {
		return nil, fmt.Errorf("metainfo: file length sum %d does not match piece layout %d", total, expected)
	}

	return info, nil
}

// computeInfoHash extracts the raw `info` dictionary bytes using the
// generic codec's raw-slice capture and hashes them directly, so the
// info-hash is always bit-exact regardless of how other fields in the
// torrent file are laid out.
func computeInfoHash(data []byte) (InfoHash, error) {
	v, err := gbencode.DecodeFull(data, gbencode.DefaultMetainfoDepth)
	if err != nil {
		return InfoHash{}, fmt.Errorf("metainfo: decoding for info-hash: %w", err)
	}

	infoVal := v.DictGet("info")
	if infoVal == nil || infoVal.Kind != gbencode.KindDict {
		return InfoHash{}, fmt.Errorf("metainfo: no info dictionary present")
	}

	return InfoHash(sha1.Sum(infoVal.Raw)), nil
}

// DecodeInfo builds an Info (and its hash) from raw info-dictionary
// bytes fetched via the metadata extension protocol (internal/metadata),
// as opposed to a full .torrent file.
func DecodeInfo(infoBytes []byte) (*Info, InfoHash, error) {
	v, err := gbencode.DecodeFull(infoBytes, gbencode.DefaultMetainfoDepth)
	if err != nil {
		return nil, InfoHash{}, fmt.Errorf("metainfo: decoding fetched info dict: %w", err)
	}
	if v.Kind != gbencode.KindDict {
		return nil, InfoHash{}, fmt.Errorf("metainfo: fetched metadata is not a dictionary")
	}

	var raw rawInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &raw); err != nil {
		return nil, InfoHash{}, fmt.Errorf("metainfo: decoding fetched info struct: %w", err)
	}

	info, err := buildInfo(raw)
	if err != nil {
		return nil, InfoHash{}, err
	}

	return info, InfoHash(sha1.Sum(infoBytes)), nil
}
