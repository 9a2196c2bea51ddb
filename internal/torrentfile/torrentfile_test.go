package torrentfile

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
)

func testInfo(pieceLength, totalLength int64) *metainfo.Info {
	n := (totalLength + pieceLength - 1) / pieceLength
	pieces := make([][20]byte, n)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte{byte(i)})
	}
	return &metainfo.Info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Mode:        metainfo.ModeSingle,
		Single:      &metainfo.SingleMode{Name: "file.bin", Length: totalLength},
	}
}

func TestDefaultOptionsMatchesTeacherConcurrencyCap(t *testing.T) {
	opts := DefaultOptions("/tmp/downloads")
	assert.Equal(t, 10, opts.MaxPeers)
	assert.True(t, opts.ShowProgress)
	assert.Equal(t, "/tmp/downloads", opts.DownloadDir)
}

func TestNewGeneratesDistinctPeerIDs(t *testing.T) {
	ti := &metainfo.TorrentInfo{InfoHash: metainfo.InfoHash{0x1}}
	a, err := New(ti, DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	b, err := New(ti, DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	assert.NotEqual(t, a.peerID, b.peerID)
}

func TestAnnounceParamsReportsUnknownLeftBeforeMetadata(t *testing.T) {
	ti := &metainfo.TorrentInfo{InfoHash: metainfo.InfoHash{0x2}}
	tr, err := New(ti, DefaultOptions(t.TempDir()))
	require.NoError(t, err)

	p := tr.announceParams()
	assert.EqualValues(t, 1, p.Left)
	assert.EqualValues(t, 0, p.Downloaded)
}

func TestAnnounceParamsTracksDownloadedBytes(t *testing.T) {
	info := testInfo(16384, 32768)
	ti := &metainfo.TorrentInfo{InfoHash: metainfo.InfoHash{0x3}, Info: info}
	tr, err := New(ti, DefaultOptions(t.TempDir()))
	require.NoError(t, err)

	tr.downloaded.Store(16384)
	p := tr.announceParams()
	assert.EqualValues(t, 16384, p.Left)
	assert.EqualValues(t, 16384, p.Downloaded)

	tr.downloaded.Store(32768)
	p = tr.announceParams()
	assert.EqualValues(t, 0, p.Left)
}

func TestDoneFalseBeforePieceManagerExists(t *testing.T) {
	ti := &metainfo.TorrentInfo{InfoHash: metainfo.InfoHash{0x4}}
	tr, err := New(ti, DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	assert.False(t, tr.Done())
}
