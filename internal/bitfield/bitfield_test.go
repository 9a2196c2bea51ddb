package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	b := New(10)
	b.Set(0)
	b.Set(7)
	b.Set(9)

	payload := b.Bytes()
	assert.Len(t, payload, 2)

	decoded, err := FromBytes(payload, 10)
	require.NoError(t, err)
	assert.True(t, decoded.Has(0))
	assert.True(t, decoded.Has(7))
	assert.True(t, decoded.Has(9))
	assert.False(t, decoded.Has(1))
}

func TestFromBytesAcceptsTrailingZerosRejectsSpuriousBits(t *testing.T) {
	// n=10 -> 2 bytes, 6 padding bits in the second byte.
	payload := []byte{0xFF, 0b11000000}
	_, err := FromBytes(payload, 10)
	assert.NoError(t, err)

	bad := []byte{0xFF, 0b11000001}
	_, err = FromBytes(bad, 10)
	assert.Error(t, err)
}

func TestAvailabilityTracksHaveAndBitfieldUpdates(t *testing.T) {
	avail := NewAvailability(4)

	peerA := New(4)
	peerA.Set(0)
	peerA.Set(1)
	peerA.Set(2)
	avail.ApplyBitfield(peerA)

	peerB := New(4)
	peerB.Set(0)
	peerB.Set(1)
	avail.ApplyBitfield(peerB)

	peerC := New(4)
	peerC.Set(0)
	peerC.Set(1)
	avail.ApplyBitfield(peerC)

	assert.Equal(t, uint32(3), avail.Count(0))
	assert.Equal(t, uint32(3), avail.Count(1))
	assert.Equal(t, uint32(1), avail.Count(2))
	assert.Equal(t, uint32(0), avail.Count(3))

	avail.RemoveBitfield(peerA)
	assert.Equal(t, uint32(2), avail.Count(0))
	assert.Equal(t, uint32(0), avail.Count(2))
}

func TestMissingFindsPeerHasWeDont(t *testing.T) {
	local := New(4)
	local.Set(0)

	remote := New(4)
	remote.Set(0)
	remote.Set(1)
	remote.Set(2)

	assert.Equal(t, []int{1, 2}, local.Missing(remote))
}
