package connmgr

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
)

// Options configures a connection manager.
type Options struct {
	// LocalPort is the TCP port to listen on. When the port cannot be
	// bound, the manager falls back to an ephemeral port. Zero asks for an
	// ephemeral port directly.
	LocalPort uint16

	// Factory builds the chat layer's Connection over each admitted stream.
	// Required.
	Factory ConnectionFactory

	// ChannelRequest is invoked when a remote peer opens a named chat
	// channel on a connection.
	ChannelRequest func(conn Connection, channel net.Conn)

	// ProxyPeersAvailable is invoked when a relaying peer advertises
	// endpoints of peers it can reach.
	ProxyPeersAvailable func(via Connection, peers []transport.Endpoint)

	// EchoServiceURL is the HTTP endpoint used to verify inbound
	// reachability. Empty disables echo checks.
	EchoServiceURL string

	// WebCheckURL is the HTTP endpoint used to test general web access.
	// Empty disables the check.
	WebCheckURL string

	ConnectTimeout        time.Duration
	WriteTimeout          time.Duration
	ReadTimeout           time.Duration
	UPnPDiscoverTimeout   time.Duration
	VirtualConnectTimeout time.Duration
	HandshakeRetryGrace   time.Duration
	ProbeInitialDelay     time.Duration
	ProbeInterval         time.Duration
	ProbeErrorInterval    time.Duration

	// Clock supplies timers and sleeps; tests inject a mock.
	Clock clock.Clock

	// Logger receives the manager's structured log output. Defaults to the
	// standard logrus logger.
	Logger *logrus.Logger
}

// NewOptions returns Options with production defaults.
func NewOptions() *Options {
	return &Options{
		EchoServiceURL:        "https://bitchat.im/connectivity/check",
		WebCheckURL:           "https://www.google.com/",
		ConnectTimeout:        30 * time.Second,
		WriteTimeout:          30 * time.Second,
		ReadTimeout:           90 * time.Second,
		UPnPDiscoverTimeout:   30 * time.Second,
		VirtualConnectTimeout: 20 * time.Second,
		HandshakeRetryGrace:   500 * time.Millisecond,
		ProbeInitialDelay:     time.Second,
		ProbeInterval:         60 * time.Second,
		ProbeErrorInterval:    10 * time.Second,
	}
}

// fillDefaults replaces zero-valued knobs with the production defaults.
func (o *Options) fillDefaults() {
	defaults := NewOptions()
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaults.ConnectTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaults.WriteTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = defaults.ReadTimeout
	}
	if o.UPnPDiscoverTimeout == 0 {
		o.UPnPDiscoverTimeout = defaults.UPnPDiscoverTimeout
	}
	if o.VirtualConnectTimeout == 0 {
		o.VirtualConnectTimeout = defaults.VirtualConnectTimeout
	}
	if o.HandshakeRetryGrace == 0 {
		o.HandshakeRetryGrace = defaults.HandshakeRetryGrace
	}
	if o.ProbeInitialDelay == 0 {
		o.ProbeInitialDelay = defaults.ProbeInitialDelay
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = defaults.ProbeInterval
	}
	if o.ProbeErrorInterval == 0 {
		o.ProbeErrorInterval = defaults.ProbeErrorInterval
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Manager mediates between higher-level chat logic and raw transport
// endpoints: it accepts inbound connections, establishes outbound ones
// (falling back to tunneling through a connected peer), deduplicates the
// resulting set in its registry, and tracks the host's internet
// connectivity.
type Manager struct {
	opts        *Options
	localPeerID transport.PeerID
	localPort   uint16
	listener    net.Listener
	registry    *registry
	probe       *connectivityProbe
	clock       clock.Clock
	logger      *logrus.Entry

	directInFlight  *inflightSet
	virtualInFlight *inflightSet

	listenersMu sync.Mutex
	listeners   []func(Snapshot)

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates a connection manager: it generates the local peer identity,
// binds the TCP listener (falling back to an ephemeral port when the
// requested one is taken), starts the inbound acceptor, and schedules the
// first connectivity probe.
func New(opts *Options) (*Manager, error) {
	if opts == nil || opts.Factory == nil {
		return nil, errors.New("a connection factory is required")
	}
	opts.fillDefaults()

	localPeerID, err := transport.NewPeerID()
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(opts.LocalPort)})
	if err != nil {
		listener, err = net.ListenTCP("tcp", &net.TCPAddr{})
		if err != nil {
			return nil, fmt.Errorf("failed to bind listener: %w", err)
		}
	}
	localPort := uint16(listener.Addr().(*net.TCPAddr).Port)

	logger := opts.Logger.WithField("component", "connmgr")

	m := &Manager{
		opts:            opts,
		localPeerID:     localPeerID,
		localPort:       localPort,
		listener:        listener,
		clock:           opts.Clock,
		logger:          logger,
		directInFlight:  newInflightSet(),
		virtualInFlight: newInflightSet(),
		closed:          make(chan struct{}),
	}

	callbacks := &Callbacks{
		ChannelRequest:      opts.ChannelRequest,
		ProxyPeersAvailable: opts.ProxyPeersAvailable,
		Closed:              func(conn Connection) { m.registry.Remove(conn) },
	}
	m.registry = newRegistry(localPeerID, opts.Factory, callbacks, logger)
	m.probe = newConnectivityProbe(localPort, opts, opts.Clock, logger, m.notifyConnectivityChanged)

	m.wg.Add(1)
	go m.acceptLoop()
	m.probe.start()

	logger.WithFields(logrus.Fields{
		"local_port": localPort,
		"peer":       localPeerID.String(),
	}).Info("Connection manager started")
	return m, nil
}

// Dispose shuts the manager down: it closes the listener, cancels the
// connectivity probe, and disposes every registered connection.
func (m *Manager) Dispose() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.listener.Close()
		m.probe.stop()
		m.registry.DisposeAll()
		m.wg.Wait()
		m.logger.Info("Connection manager stopped")
	})
}

// acceptLoop accepts inbound transport connections until the listener is
// closed. Per-connection failures never terminate the loop.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		raw, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.WithField("error", err).Warn("Accept failed")
			continue
		}
		go m.handleInbound(raw)
	}
}

// handleInbound applies socket options, records live-inbound evidence, and
// runs the accept-side handshake. All errors are per-connection and
// swallowed.
func (m *Manager) handleInbound(raw net.Conn) {
	socketEP, err := transport.EndpointFromAddr(raw.RemoteAddr())
	if err != nil {
		raw.Close()
		return
	}

	if err := transport.SetSocketOptions(raw); err != nil {
		m.logger.WithField("error", err).Debug("Failed to set socket options")
	}

	// An inbound connection from a non-private IPv4 address is sticky
	// evidence that we are reachable from the internet.
	if socketEP.IP.To4() != nil && !transport.IsPrivateIPv4(socketEP.IP) {
		m.probe.markLiveInbound()
	}

	stream := transport.NewDeadlineConn(raw, m.opts.ReadTimeout, m.opts.WriteTimeout)
	if err := m.runAcceptorHandshake(stream, socketEP); err != nil {
		m.logger.WithFields(logrus.Fields{
			"remote": socketEP.String(),
			"error":  err,
		}).Debug("Inbound handshake failed")
	}
}

// MakeConnection establishes a connection to the remote endpoint. It first
// tries a direct TCP connect; when that fails it searches the connected
// peers for one that can relay a tunnel to the target.
func (m *Manager) MakeConnection(remoteEP transport.Endpoint) (Connection, error) {
	if err := m.directInFlight.add(remoteEP); err != nil {
		return nil, err
	}
	defer m.directInFlight.remove(remoteEP)

	if ext := m.GetExternalEndpoint(); ext != nil && ext.Equal(remoteEP) {
		return nil, ErrSelfConnection
	}
	if conn := m.registry.Get(remoteEP); conn != nil {
		return conn, nil
	}

	raw, err := net.DialTimeout("tcp", remoteEP.String(), m.opts.ConnectTimeout)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"endpoint": remoteEP.String(),
			"error":    err,
		}).Debug("Direct connect failed, trying virtual connection")

		proxy, proxyErr := m.findProxyPeer(remoteEP)
		if proxyErr != nil {
			return nil, proxyErr
		}
		return m.MakeVirtualConnection(proxy, remoteEP)
	}

	if err := transport.SetSocketOptions(raw); err != nil {
		m.logger.WithField("error", err).Debug("Failed to set socket options")
	}
	stream := transport.NewDeadlineConn(raw, m.opts.ReadTimeout, m.opts.WriteTimeout)
	return m.runInitiatorHandshake(stream, remoteEP)
}

// MakeVirtualConnection establishes a connection to the remote endpoint
// tunneled through an already connected peer.
func (m *Manager) MakeVirtualConnection(via Connection, remoteEP transport.Endpoint) (Connection, error) {
	if err := m.virtualInFlight.add(remoteEP); err != nil {
		return nil, err
	}
	defer m.virtualInFlight.remove(remoteEP)

	if ext := m.GetExternalEndpoint(); ext != nil && ext.Equal(remoteEP) {
		return nil, ErrSelfConnection
	}
	if conn := m.registry.Get(remoteEP); conn != nil {
		return conn, nil
	}

	tunnel, err := via.RequestProxyTunnelChannel(remoteEP)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy tunnel channel: %w", err)
	}
	stream := transport.NewDeadlineConn(tunnel, m.opts.ReadTimeout, m.opts.WriteTimeout)
	return m.runInitiatorHandshake(stream, remoteEP)
}

// GetExistingConnection returns the live connection to the endpoint, or nil.
func (m *Manager) GetExistingConnection(ep transport.Endpoint) Connection {
	return m.registry.Get(ep)
}

// IsPeerConnectionAvailable reports whether a live connection to the
// endpoint exists.
func (m *Manager) IsPeerConnectionAvailable(ep transport.Endpoint) bool {
	return m.registry.Contains(ep)
}

// Connections returns a snapshot of the live connections.
func (m *Manager) Connections() []Connection {
	return m.registry.Snapshot()
}

// ConnectionCount returns the number of live connections.
func (m *Manager) ConnectionCount() int {
	return m.registry.Count()
}

// LocalPeerID returns this instance's peer identity.
func (m *Manager) LocalPeerID() transport.PeerID {
	return m.localPeerID
}

// LocalPort returns the port the listener is bound to.
func (m *Manager) LocalPort() uint16 {
	return m.localPort
}

// InternetStatus returns the current internet connectivity classification.
func (m *Manager) InternetStatus() InternetConnectivityStatus {
	return m.probe.snapshot().InternetStatus
}

// UPnPStatus returns the current UPnP port-mapping state.
func (m *Manager) UPnPStatus() UPnPDeviceStatus {
	return m.probe.snapshot().UPnPStatus
}

// UPnPExternalEndpoint returns the gateway's external address with the
// mapped port. When the external IP is known but no mapping is active the
// returned endpoint carries port 0; callers must treat port 0 as "not
// available".
func (m *Manager) UPnPExternalEndpoint() *transport.Endpoint {
	s := m.probe.snapshot()
	if s.UPnPExternalIP == nil {
		return nil
	}
	ep := transport.Endpoint{IP: s.UPnPExternalIP}
	if s.UPnPExternalPort > 0 && s.UPnPExternalPort <= 65535 {
		ep.Port = uint16(s.UPnPExternalPort)
	}
	return &ep
}

// ReceivedLiveInbound reports whether an inbound connection from a
// non-private IPv4 address has been observed since the last negative echo
// check.
func (m *Manager) ReceivedLiveInbound() bool {
	return m.probe.snapshot().ReceivedLiveInbound
}

// ConnectivitySnapshot returns a consistent copy of the connectivity state.
func (m *Manager) ConnectivitySnapshot() Snapshot {
	return m.probe.snapshot()
}

// GetExternalEndpoint derives the endpoint peers should use to reach this
// host, in order of confidence: the endpoint observed by the echo service,
// then the direct public address, then a verified UPnP mapping. Returns nil
// when none applies.
func (m *Manager) GetExternalEndpoint() *transport.Endpoint {
	s := m.probe.snapshot()

	if s.WebCheckSuccess && s.WebCheckEndpoint != nil {
		ep := *s.WebCheckEndpoint
		return &ep
	}

	switch s.InternetStatus {
	case StatusDirectInternetConnection:
		if s.LocalLiveIP != nil {
			return &transport.Endpoint{IP: s.LocalLiveIP, Port: m.localPort}
		}
	case StatusNATInternetConnectionViaUPnPRouter:
		// A mapping that no web check has ever looked at is unverified and
		// not advertised.
		if s.UPnPStatus == UPnPPortForwarded && (s.WebCheckSuccess || s.WebCheckError) &&
			s.UPnPExternalIP != nil && s.UPnPExternalPort > 0 && s.UPnPExternalPort <= 65535 {
			return &transport.Endpoint{IP: s.UPnPExternalIP, Port: uint16(s.UPnPExternalPort)}
		}
	}
	return nil
}

// GetExternalPort returns the port of the external endpoint when known, and
// the local listener port otherwise. This is the service port advertised in
// the handshake.
func (m *Manager) GetExternalPort() uint16 {
	if ep := m.GetExternalEndpoint(); ep != nil && ep.Port > 0 {
		return ep.Port
	}
	return m.localPort
}

// OnConnectivityChanged registers a listener invoked on every change of the
// (internet status, UPnP status) pair. Listeners run outside the state lock.
func (m *Manager) OnConnectivityChanged(fn func(Snapshot)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyConnectivityChanged(snapshot Snapshot) {
	m.listenersMu.Lock()
	listeners := make([]func(Snapshot), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
