package transport

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// PeerIDSize is the length of a peer identity in bytes (160 bits).
const PeerIDSize = 20

// PeerID is the 160-bit opaque identifier of a running BitChat instance.
// It is generated once per process and compared by byte contents. It is not
// cryptographically bound to any identity.
type PeerID [PeerIDSize]byte

// ErrInvalidPeerID is returned when peer identity bytes have the wrong length.
var ErrInvalidPeerID = errors.New("invalid peer ID length")

// NewPeerID generates a fresh random peer identity. The identity is the
// 160-bit BLAKE2b digest of 32 bytes of system entropy.
func NewPeerID() (PeerID, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return PeerID{}, fmt.Errorf("failed to gather entropy: %w", err)
	}

	digest, err := blake2b.New(PeerIDSize, nil)
	if err != nil {
		return PeerID{}, fmt.Errorf("failed to create digest: %w", err)
	}
	digest.Write(seed[:])

	var id PeerID
	copy(id[:], digest.Sum(nil))
	return id, nil
}

// PeerIDFromBytes builds a PeerID from a 20-byte slice.
func PeerIDFromBytes(data []byte) (PeerID, error) {
	if len(data) != PeerIDSize {
		return PeerID{}, fmt.Errorf("%w: got %d bytes", ErrInvalidPeerID, len(data))
	}
	var id PeerID
	copy(id[:], data)
	return id, nil
}

// IsZero reports whether the identity is the all-zero value.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// String returns the lowercase hex form of the identity.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}
