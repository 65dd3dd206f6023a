package connmgr

import (
	"net"

	"github.com/shayananique/BitChatClient/transport"
)

// Connection is the handle the chat layer implements over each admitted
// transport stream. The manager owns the handle while it is registered: it
// calls Start exactly once on admission and Dispose on eviction or shutdown.
//
// The channel multiplexing running inside a Connection is opaque to the
// manager; only the operations below are required.
type Connection interface {
	// RemoteEndpoint returns the endpoint peers should use to reach the
	// remote side (service port, not the ephemeral socket port).
	RemoteEndpoint() transport.Endpoint

	// RemotePeerID returns the remote peer's 160-bit identity.
	RemotePeerID() transport.PeerID

	// IsVirtual reports whether the connection's stream is tunneled through
	// another peer rather than a direct TCP socket. Fixed at construction.
	IsVirtual() bool

	// Start begins background channel service. It must not block; the
	// registry calls it while holding its lock.
	Start()

	// Dispose releases the connection's stream and stops its service task.
	// The service task is expected to call Callbacks.Closed on termination.
	Dispose()

	// RequestPeerStatus asks the remote peer whether it currently holds a
	// connection to the given endpoint.
	RequestPeerStatus(ep transport.Endpoint) (bool, error)

	// RequestProxyTunnelChannel asks the remote peer to open a tunnel
	// channel relaying to the given endpoint. The returned stream carries
	// the transport.VirtualChannel marker.
	RequestProxyTunnelChannel(ep transport.Endpoint) (net.Conn, error)
}

// Callbacks is the capability handle a Connection gets back into the manager
// and the chat layer. It is assembled by the manager: the chat-layer entry
// points come from Options, Closed points at the registry.
type Callbacks struct {
	// ChannelRequest is invoked when the remote peer opens a named chat
	// channel on the connection.
	ChannelRequest func(conn Connection, channel net.Conn)

	// ProxyPeersAvailable is invoked when a relaying peer advertises
	// endpoints of peers it can reach.
	ProxyPeersAvailable func(via Connection, peers []transport.Endpoint)

	// Closed must be invoked by the connection's service task when it
	// terminates, so the registry can drop the record. Safe to call more
	// than once.
	Closed func(conn Connection)
}

// ConnectionFactory builds the chat layer's Connection over an admitted
// stream. virtual reports whether the stream is a tunneled channel; the
// constructed Connection must return it from IsVirtual.
//
// The factory is called with the registry lock held and must not block.
type ConnectionFactory func(stream net.Conn, remotePeerID transport.PeerID, remoteEP transport.Endpoint, virtual bool, cb *Callbacks) Connection
