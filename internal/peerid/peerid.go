// Package peerid generates the client's 20-byte peer id and the random
// per-session tracker key, the same responsibility the teacher's
// GeneratePeerID held inline, generalized into its own package and
// backed by github.com/google/uuid for the session key.
package peerid

import (
	crand "crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// clientPrefix follows the Azureus-style convention ("-XX####-") used by
// most clients; "GB" stands in for this client, "0100" for v1.00.
const clientPrefix = "-GB0100-"

// Generate returns a fresh 20-byte peer id: the client prefix followed by
// random characters, matching BEP 20's shape.
func Generate() ([20]byte, error) {
	const idLen = 20
	randomLen := idLen - len(clientPrefix)

	randomBytes := make([]byte, randomLen)
	if _, err := crand.Read(randomBytes); err != nil {
		return [20]byte{}, fmt.Errorf("peerid: generating random suffix: %w", err)
	}

	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range randomBytes {
		randomBytes[i] = alphabet[int(b)%len(alphabet)]
	}

	var id [20]byte
	copy(id[:], clientPrefix)
	copy(id[len(clientPrefix):], randomBytes)
	return id, nil
}

// SessionKey returns a random 32-bit value for the UDP/HTTP tracker
// `key` parameter, which lets a tracker recognize repeat announces from
// this client across IP/NAT changes within one torrent session. Backed
// by a UUID so the value has the same collision resistance the rest of
// the client trusts uuid.New() for elsewhere (e.g. CLI queue entry ids).
func SessionKey() uint32 {
	id := uuid.New()
	b := id[:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
