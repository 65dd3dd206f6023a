package connmgr

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shayananique/BitChatClient/transport"
)

// fakeConnection is a scriptable Connection used across the package tests.
type fakeConnection struct {
	mu       sync.Mutex
	stream   net.Conn
	peerID   transport.PeerID
	endpoint transport.Endpoint
	virtual  bool
	cb       *Callbacks
	started  bool
	disposed bool

	peerStatus func(transport.Endpoint) (bool, error)
	tunnel     func(transport.Endpoint) (net.Conn, error)
}

func (c *fakeConnection) RemoteEndpoint() transport.Endpoint { return c.endpoint }
func (c *fakeConnection) RemotePeerID() transport.PeerID     { return c.peerID }
func (c *fakeConnection) IsVirtual() bool                    { return c.virtual }

func (c *fakeConnection) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *fakeConnection) Dispose() {
	c.mu.Lock()
	alreadyDisposed := c.disposed
	c.disposed = true
	c.mu.Unlock()
	if alreadyDisposed {
		return
	}
	if c.stream != nil {
		c.stream.Close()
	}
	// The real implementation's service task notices the closed stream and
	// reports termination; emulate that asynchronously.
	if c.cb != nil && c.cb.Closed != nil {
		go c.cb.Closed(c)
	}
}

func (c *fakeConnection) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *fakeConnection) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *fakeConnection) RequestPeerStatus(ep transport.Endpoint) (bool, error) {
	if c.peerStatus == nil {
		return false, nil
	}
	return c.peerStatus(ep)
}

func (c *fakeConnection) RequestProxyTunnelChannel(ep transport.Endpoint) (net.Conn, error) {
	if c.tunnel == nil {
		return nil, io.ErrClosedPipe
	}
	return c.tunnel(ep)
}

// fakeFactory builds fakeConnections and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	created    []*fakeConnection
	peerStatus func(transport.Endpoint) (bool, error)
	tunnel     func(transport.Endpoint) (net.Conn, error)
}

func (f *fakeFactory) new(stream net.Conn, peerID transport.PeerID, ep transport.Endpoint, virtual bool, cb *Callbacks) Connection {
	conn := &fakeConnection{
		stream:     stream,
		peerID:     peerID,
		endpoint:   ep,
		virtual:    virtual,
		cb:         cb,
		peerStatus: f.peerStatus,
		tunnel:     f.tunnel,
	}
	f.mu.Lock()
	f.created = append(f.created, conn)
	f.mu.Unlock()
	return conn
}

// virtualPipe wraps one end of a pipe with the virtual-channel marker, as a
// tunnel stream handed out by a relaying connection would be.
type virtualPipe struct {
	net.Conn
}

func (p *virtualPipe) IsVirtualChannel() bool { return true }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func testPeerID(t *testing.T, fill byte) transport.PeerID {
	t.Helper()
	var id transport.PeerID
	for i := range id {
		id[i] = fill
	}
	return id
}

func testEndpoint(ip string, port uint16) transport.Endpoint {
	return transport.Endpoint{IP: net.ParseIP(ip), Port: port}
}

func newTestRegistry(t *testing.T, localID transport.PeerID) (*registry, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	callbacks := &Callbacks{}
	reg := newRegistry(localID, factory.new, callbacks, testLogger())
	callbacks.Closed = func(conn Connection) { reg.Remove(conn) }
	return reg, factory
}

// newTestManager builds a manager whose connectivity probe stays dormant
// (huge initial delay) so tests control all network activity.
func newTestManager(t *testing.T, factory *fakeFactory) *Manager {
	t.Helper()
	m, err := New(&Options{
		Factory:             factory.new,
		ProbeInitialDelay:   time.Hour,
		HandshakeRetryGrace: 20 * time.Millisecond,
		ConnectTimeout:      2 * time.Second,
		Logger:              quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// assertIndexesConsistent verifies the registry's two indexes describe the
// same record set.
func assertIndexesConsistent(t *testing.T, r *registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	require.Equal(t, len(r.byEndpoint), len(r.byPeerID), "index sizes differ")
	for key, conn := range r.byEndpoint {
		require.Equal(t, key, conn.RemoteEndpoint().String())
		require.Same(t, conn, r.byPeerID[conn.RemotePeerID()], "peer index misses endpoint record")
	}
	for _, conn := range r.byPeerID {
		require.Same(t, conn, r.byEndpoint[conn.RemoteEndpoint().String()], "endpoint index misses peer record")
	}
}
