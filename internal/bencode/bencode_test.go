package bencode

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripValues(t *testing.T) {
	cases := []*Value{
		Int(0),
		Int(-42),
		Int(1 << 40),
		StrOf(""),
		StrOf("spam"),
		List(Int(1), StrOf("two"), List()),
		Dict(map[string]*Value{"b": Int(2), "a": Int(1)}),
	}

	for _, v := range cases {
		encoded := Encode(v)
		decoded, n, err := Decode(encoded, 32)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, Encode(decoded), encoded)
	}
}

func TestEncodeSortsDictKeysRegardlessOfInputOrder(t *testing.T) {
	v, err := DecodeFull([]byte("d3:zzzi1e1:ai2ee"), 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("d1:ai2e3:zzzi1ee"), Encode(v))
}

func TestDecodeSampleTorrentRoundTripsAndHashesInfo(t *testing.T) {
	infoBytes := "d4:name3:foo12:piece lengthi16384e6:pieces20:01234567890123456789e"
	raw := "d8:announce12:udp://t:80/a4:info" + infoBytes + "e"

	v, err := DecodeFull([]byte(raw), 32)
	require.NoError(t, err)

	// Bit-for-bit round trip of the whole dictionary.
	assert.Equal(t, []byte(raw), Encode(v))

	info := v.DictGet("info")
	require.NotNil(t, info)
	assert.Equal(t, []byte(infoBytes), info.Raw)

	hash := sha1.Sum(info.Raw)
	assert.Len(t, hash, 20)
}

func TestDecodeErrorsTaxonomy(t *testing.T) {
	_, _, err := Decode([]byte("i12"), 8)
	assert.IsType(t, &ErrTruncated{}, err)

	_, _, err = Decode([]byte("9999:short"), 8)
	assert.IsType(t, &ErrTruncated{}, err)

	_, err = DecodeFull([]byte("i1eextra"), 8)
	assert.IsType(t, &ErrTrailingBytes{}, err)

	deep := ""
	for i := 0; i < 10; i++ {
		deep += "l"
	}
	_, _, err = Decode([]byte(deep), 5)
	assert.IsType(t, &ErrDepthExceeded{}, err)
}

func TestByteStringRoundTripCarriesBitfieldPayload(t *testing.T) {
	// Trailing-bit acceptance and rejection are tested in
	// internal/bitfield; this just checks the
	// codec doesn't get in the way of raw byte-string round trips
	// used to carry bitfield payloads over the wire.
	payload := []byte{0b10100000}
	v := Str(payload)
	encoded := Encode(v)
	decoded, _, err := Decode(encoded, 4)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Str)
}
