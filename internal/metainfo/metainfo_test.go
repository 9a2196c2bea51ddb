package metainfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileBytesComputesInfoHashAndLayout(t *testing.T) {
	raw := "d8:announce12:udp://t:80/a4:infod4:name3:foo12:piece lengthi16384e6:pieces20:012345678901234567896:lengthi16384eee"

	ti, err := ParseFileBytes([]byte(raw))
	require.NoError(t, err)

	require.NotNil(t, ti.Info)
	assert.Equal(t, ModeSingle, ti.Info.Mode)
	assert.Equal(t, "foo", ti.Info.Single.Name)
	assert.Equal(t, int64(16384), ti.Info.PieceLength)
	assert.Equal(t, 1, ti.Info.NumPieces())
	assert.Equal(t, []string{"udp://t:80/a"}, ti.UDPTrackers)
	assert.NotEqual(t, InfoHash{}, ti.InfoHash)
}

func TestParseMagnetExtractsHashNameAndTrackers(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=demo&tr=udp://tracker.example:6969"

	ti, err := ParseMagnet(uri)
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", ti.InfoHash.String())
	assert.Equal(t, []string{"udp://tracker.example:6969"}, ti.UDPTrackers)
	assert.Nil(t, ti.Info)
	assert.Equal(t, "demo", ti.DisplayName)
	assert.Equal(t, "demo", ti.Name())
}

func TestParseMagnetRejectsMissingHash(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=demo")
	assert.Error(t, err)
}

func TestFlattenAnnounceDedupsAndSortsByScheme(t *testing.T) {
	http, udp := FlattenAnnounce("udp://a:1", [][]string{
		{"udp://a:1", "http://b/announce"},
		{"udp://c:2"},
	})
	assert.Equal(t, []string{"udp://a:1", "udp://c:2"}, udp)
	assert.Equal(t, []string{"http://b/announce"}, http)
}
