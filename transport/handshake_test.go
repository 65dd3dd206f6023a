package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var peerID PeerID
	for i := range peerID {
		peerID[i] = byte(i + 1)
	}

	tests := []struct {
		name string
		port uint16
	}{
		{"low port", 1},
		{"typical port", 38800},
		{"max port", 65535},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := NewHandshake(tt.port, peerID).Marshal()
			require.Len(t, frame, HandshakeFrameSize)

			decoded, err := ParseHandshake(frame)
			require.NoError(t, err)
			assert.Equal(t, HandshakeVersion, decoded.Version)
			assert.Equal(t, tt.port, decoded.ServicePort)
			assert.Equal(t, peerID, decoded.PeerID)
		})
	}
}

func TestHandshakeWireLayout(t *testing.T) {
	var peerID PeerID
	peerID[0] = 0xAA
	peerID[19] = 0xBB

	frame := NewHandshake(0x1234, peerID).Marshal()

	assert.Equal(t, byte(1), frame[0], "version byte")
	// Service port is little-endian.
	assert.Equal(t, byte(0x34), frame[1])
	assert.Equal(t, byte(0x12), frame[2])
	assert.Equal(t, byte(0xAA), frame[3])
	assert.Equal(t, byte(0xBB), frame[22])
}

func TestParseHandshakeErrors(t *testing.T) {
	var peerID PeerID
	good := NewHandshake(1000, peerID).Marshal()

	t.Run("short frame", func(t *testing.T) {
		_, err := ParseHandshake(good[:10])
		assert.ErrorIs(t, err, ErrHandshakeFrameSize)
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] = 2
		_, err := ParseHandshake(bad)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})
}

func TestParseHandshakeBody(t *testing.T) {
	var peerID PeerID
	peerID[7] = 0x5C
	frame := NewHandshake(40000, peerID).Marshal()

	decoded, err := ParseHandshakeBody(frame[1:])
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), decoded.ServicePort)
	assert.Equal(t, peerID, decoded.PeerID)

	_, err = ParseHandshakeBody(frame)
	assert.ErrorIs(t, err, ErrHandshakeFrameSize)
}
