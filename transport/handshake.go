// Package transport implements the handshake wire codec.
//
// The handshake is a fixed 23-byte frame exchanged when two peers establish
// a connection. All multi-byte integers are little-endian:
//
//	[version (1 byte)][service port (2 bytes)][peer ID (20 bytes)]
//
// The acceptor answers with a single response byte, followed by its own
// 20-byte peer ID when the connection was admitted.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HandshakeVersion is the only protocol version this codec understands.
	HandshakeVersion byte = 1
	// HandshakeFrameSize is the exact size of a handshake frame in bytes.
	HandshakeFrameSize = 1 + 2 + PeerIDSize
)

// Handshake response codes.
const (
	// HandshakeAccepted is sent by the acceptor after it has admitted the
	// connection into its registry; its own peer ID follows.
	HandshakeAccepted byte = 0x00
	// HandshakeRejected is sent by the acceptor when admission failed; the
	// acceptor closes the stream immediately afterwards.
	HandshakeRejected byte = 0x01
)

var (
	// ErrUnsupportedVersion indicates a handshake with an unknown version byte.
	ErrUnsupportedVersion = errors.New("unsupported handshake version")
	// ErrHandshakeFrameSize indicates a handshake frame of the wrong length.
	ErrHandshakeFrameSize = errors.New("invalid handshake frame size")
)

// Handshake is the decoded form of a handshake frame.
type Handshake struct {
	Version byte
	// ServicePort is the port the sender wants peers to use when connecting
	// back to it. It may differ from the ephemeral source port of the socket
	// the frame arrived on.
	ServicePort uint16
	PeerID      PeerID
}

// NewHandshake builds a version-1 handshake frame for the given service port
// and identity.
func NewHandshake(servicePort uint16, peerID PeerID) *Handshake {
	return &Handshake{Version: HandshakeVersion, ServicePort: servicePort, PeerID: peerID}
}

// Marshal serializes the handshake into its 23-byte wire form.
func (h *Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeFrameSize)
	buf[0] = h.Version
	binary.LittleEndian.PutUint16(buf[1:3], h.ServicePort)
	copy(buf[3:], h.PeerID[:])
	return buf
}

// ParseHandshake decodes a full 23-byte handshake frame. The version byte is
// validated; callers that stream the frame can check the version themselves
// and use ParseHandshakeBody for the remainder.
func ParseHandshake(data []byte) (*Handshake, error) {
	if len(data) != HandshakeFrameSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrHandshakeFrameSize, len(data))
	}
	if data[0] != HandshakeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	h, err := ParseHandshakeBody(data[1:])
	if err != nil {
		return nil, err
	}
	h.Version = data[0]
	return h, nil
}

// ParseHandshakeBody decodes the 22 bytes that follow the version byte.
// The acceptor reads and validates the version first, then hands the rest of
// the frame here.
func ParseHandshakeBody(data []byte) (*Handshake, error) {
	if len(data) != HandshakeFrameSize-1 {
		return nil, fmt.Errorf("%w: got %d body bytes", ErrHandshakeFrameSize, len(data))
	}
	peerID, err := PeerIDFromBytes(data[2:])
	if err != nil {
		return nil, err
	}
	return &Handshake{
		Version:     HandshakeVersion,
		ServicePort: binary.LittleEndian.Uint16(data[:2]),
		PeerID:      peerID,
	}, nil
}
