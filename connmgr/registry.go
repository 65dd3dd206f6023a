package connmgr

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
)

// registry is the deduplicating connection table. It keeps two indexes over
// the same set of records, one by remote endpoint and one by remote peer
// identity, and resolves admission races between inbound and outbound
// connects under a single mutex.
//
// Invariants held after every admission and eviction:
//   - a record is present in both indexes or in neither
//   - at most one record per remote endpoint
//   - at most one record per remote peer identity
//   - no record carries the local peer identity
type registry struct {
	mu          sync.Mutex
	localPeerID transport.PeerID
	factory     ConnectionFactory
	callbacks   *Callbacks
	byEndpoint  map[string]Connection
	byPeerID    map[transport.PeerID]Connection
	logger      *logrus.Entry
}

func newRegistry(localPeerID transport.PeerID, factory ConnectionFactory, callbacks *Callbacks, logger *logrus.Entry) *registry {
	return &registry{
		localPeerID: localPeerID,
		factory:     factory,
		callbacks:   callbacks,
		byEndpoint:  make(map[string]Connection),
		byPeerID:    make(map[transport.PeerID]Connection),
		logger:      logger,
	}
}

// Add runs the admission policy for a freshly handshaken stream and, on
// success, constructs the Connection, indexes it, and starts its channel
// service. It returns nil when the stream must not be admitted; the caller
// owns the stream in that case.
func (r *registry) Add(stream net.Conn, remotePeerID transport.PeerID, remoteEP transport.Endpoint) Connection {
	incomingVirtual := transport.IsVirtualStream(stream)

	r.mu.Lock()
	defer r.mu.Unlock()

	if remotePeerID == r.localPeerID {
		r.logger.WithField("endpoint", remoteEP.String()).Debug("Rejecting connection to self")
		return nil
	}

	if existing, ok := r.byEndpoint[remoteEP.String()]; ok {
		// Same endpoint: a real stream replaces whatever is there, a
		// virtual stream never replaces anything.
		if incomingVirtual {
			return nil
		}
		r.evictLocked(existing, "replaced by new connection to same endpoint")
	}

	if existing, ok := r.byPeerID[remotePeerID]; ok {
		// Same peer reached at a different endpoint. The virtual-vs-real
		// preference applies first, then the endpoint-swap policy decides
		// whether the new endpoint is worth moving to.
		if incomingVirtual {
			return nil
		}
		if !allowNewConnection(existing.RemoteEndpoint(), remoteEP) {
			return nil
		}
		r.evictLocked(existing, "peer moved to new endpoint")
	}

	conn := r.factory(stream, remotePeerID, remoteEP, incomingVirtual, r.callbacks)
	r.byEndpoint[remoteEP.String()] = conn
	r.byPeerID[remotePeerID] = conn
	conn.Start()

	r.logger.WithFields(logrus.Fields{
		"endpoint": remoteEP.String(),
		"peer":     remotePeerID.String(),
		"virtual":  incomingVirtual,
	}).Debug("Connection admitted")
	return conn
}

// evictLocked removes a record from both indexes and disposes it. The
// disposed connection's service task will call Remove again; that second
// call finds the keys absent or rebound and is a no-op.
func (r *registry) evictLocked(conn Connection, reason string) {
	delete(r.byEndpoint, conn.RemoteEndpoint().String())
	delete(r.byPeerID, conn.RemotePeerID())
	conn.Dispose()

	r.logger.WithFields(logrus.Fields{
		"endpoint": conn.RemoteEndpoint().String(),
		"reason":   reason,
	}).Debug("Connection evicted")
}

// allowNewConnection is the endpoint-swap policy: whether a peer already
// connected at existingEP may be reconnected at newEP.
//
// Mismatched families keep an existing IPv4 endpoint and allow replacing an
// existing IPv6 one. Within IPv4, a private existing endpoint is never
// replaced, which stops peers on the same LAN from flapping between
// addresses.
func allowNewConnection(existingEP, newEP transport.Endpoint) bool {
	if existingEP.Family() != newEP.Family() {
		return existingEP.Family() != transport.FamilyIPv4
	}
	if existingEP.Family() == transport.FamilyIPv4 && transport.IsPrivateIPv4(existingEP.IP) {
		return false
	}
	return true
}

// Get returns the live connection to the endpoint, or nil.
func (r *registry) Get(ep transport.Endpoint) Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEndpoint[ep.String()]
}

// Contains reports whether a live connection to the endpoint exists.
func (r *registry) Contains(ep transport.Endpoint) bool {
	return r.Get(ep) != nil
}

// Remove drops the record for conn from both indexes if it is still the
// registered record. Disposed connections call this from their terminating
// service task, so it must be idempotent and tolerate keys rebound to a
// newer connection.
func (r *registry) Remove(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	epKey := conn.RemoteEndpoint().String()
	if r.byEndpoint[epKey] == conn {
		delete(r.byEndpoint, epKey)
	}
	if r.byPeerID[conn.RemotePeerID()] == conn {
		delete(r.byPeerID, conn.RemotePeerID())
	}
}

// Snapshot returns the current set of live connections.
func (r *registry) Snapshot() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Connection, 0, len(r.byEndpoint))
	for _, conn := range r.byEndpoint {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of live connections.
func (r *registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEndpoint)
}

// DisposeAll empties both indexes and disposes every connection. Used on
// manager shutdown.
func (r *registry) DisposeAll() {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.byEndpoint))
	for _, conn := range r.byEndpoint {
		conns = append(conns, conn)
	}
	r.byEndpoint = make(map[string]Connection)
	r.byPeerID = make(map[transport.PeerID]Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Dispose()
	}
}
