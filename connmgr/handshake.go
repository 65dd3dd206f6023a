package connmgr

import (
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
)

// runAcceptorHandshake drives the accept side of the peer handshake: read
// the 23-byte frame, rewrite the ephemeral socket port to the advertised
// service port, run admission, and answer with the response byte. The
// response is written only after admission has committed, so the peer never
// acts on a half-admitted record.
func (m *Manager) runAcceptorHandshake(stream net.Conn, socketEP transport.Endpoint) error {
	var version [1]byte
	if _, err := io.ReadFull(stream, version[:]); err != nil {
		stream.Close()
		return fmt.Errorf("failed to read handshake version: %w", err)
	}
	if version[0] != transport.HandshakeVersion {
		stream.Close()
		return fmt.Errorf("%w: %d", transport.ErrUnsupportedVersion, version[0])
	}

	body := make([]byte, transport.HandshakeFrameSize-1)
	if _, err := io.ReadFull(stream, body); err != nil {
		stream.Close()
		return fmt.Errorf("failed to read handshake frame: %w", err)
	}
	hs, err := transport.ParseHandshakeBody(body)
	if err != nil {
		stream.Close()
		return err
	}

	// The socket's source port is ephemeral; peers are reached at the
	// service port they advertise.
	remoteEP := socketEP.WithPort(hs.ServicePort)

	conn := m.registry.Add(stream, hs.PeerID, remoteEP)
	if conn == nil {
		// Reject cleanly; the other side of a cross-connect race may
		// already hold the winning connection.
		stream.Write([]byte{transport.HandshakeRejected})
		stream.Close()
		return fmt.Errorf("%w: %s", ErrConnectionRejected, remoteEP.String())
	}

	response := make([]byte, 1+transport.PeerIDSize)
	response[0] = transport.HandshakeAccepted
	copy(response[1:], m.localPeerID[:])
	if _, err := stream.Write(response); err != nil {
		conn.Dispose()
		return fmt.Errorf("failed to write handshake response: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"endpoint": remoteEP.String(),
		"peer":     hs.PeerID.String(),
	}).Debug("Accepted inbound connection")
	return nil
}

// runInitiatorHandshake drives the connect side of the peer handshake over
// an established stream (direct socket or tunnel channel) and returns the
// admitted connection.
//
// When the peer rejects, the rejection may mean the peer won a simultaneous
// cross-connect race and has already pushed its own connection into our
// registry. The initiator waits a short grace period for that admission to
// land and returns the winner's connection instead of failing.
func (m *Manager) runInitiatorHandshake(stream net.Conn, remoteEP transport.Endpoint) (Connection, error) {
	frame := transport.NewHandshake(m.GetExternalPort(), m.localPeerID).Marshal()
	if _, err := stream.Write(frame); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to write handshake: %w", err)
	}

	var response [1]byte
	if _, err := io.ReadFull(stream, response[:]); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}

	switch response[0] {
	case transport.HandshakeAccepted:
		idBuf := make([]byte, transport.PeerIDSize)
		if _, err := io.ReadFull(stream, idBuf); err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to read remote peer ID: %w", err)
		}
		remotePeerID, err := transport.PeerIDFromBytes(idBuf)
		if err != nil {
			stream.Close()
			return nil, err
		}

		if conn := m.registry.Add(stream, remotePeerID, remoteEP); conn != nil {
			return conn, nil
		}
		// Local admission lost a race; a concurrent attempt may have
		// registered its connection already.
		if existing := m.registry.Get(remoteEP); existing != nil {
			stream.Close()
			return existing, nil
		}
		stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRejected, remoteEP.String())

	case transport.HandshakeRejected:
		m.clock.Sleep(m.opts.HandshakeRetryGrace)
		if existing := m.registry.Get(remoteEP); existing != nil {
			stream.Close()
			return existing, nil
		}
		stream.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRejected, remoteEP.String())

	default:
		stream.Close()
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidHandshakeResponse, response[0])
	}
}
