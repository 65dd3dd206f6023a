package connmgr

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
	"github.com/shayananique/BitChatClient/upnp"
)

// InternetConnectivityStatus classifies how this host reaches the internet.
type InternetConnectivityStatus uint8

const (
	// StatusUnknown means no probe has completed yet.
	StatusUnknown InternetConnectivityStatus = iota
	// StatusNoInternetConnection means no usable route to the internet.
	StatusNoInternetConnection
	// StatusDirectInternetConnection means the default interface carries a
	// public address.
	StatusDirectInternetConnection
	// StatusHTTPProxyInternetConnection is reserved for a future extension
	// and never produced.
	StatusHTTPProxyInternetConnection
	// StatusSOCKS5ProxyInternetConnection is reserved for a future extension
	// and never produced.
	StatusSOCKS5ProxyInternetConnection
	// StatusNATInternetConnectionViaUPnPRouter means a private address
	// behind a gateway that answers UPnP.
	StatusNATInternetConnectionViaUPnPRouter
	// StatusNATInternetConnection means a private address behind a gateway
	// without usable UPnP.
	StatusNATInternetConnection
)

// String returns a human-readable representation of the status.
func (s InternetConnectivityStatus) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusNoInternetConnection:
		return "NoInternetConnection"
	case StatusDirectInternetConnection:
		return "DirectInternetConnection"
	case StatusHTTPProxyInternetConnection:
		return "HttpProxyInternetConnection"
	case StatusSOCKS5ProxyInternetConnection:
		return "Socks5ProxyInternetConnection"
	case StatusNATInternetConnectionViaUPnPRouter:
		return "NatInternetConnectionViaUPnPRouter"
	case StatusNATInternetConnection:
		return "NatInternetConnection"
	default:
		return fmt.Sprintf("InternetConnectivityStatus(%d)", uint8(s))
	}
}

// UPnPDeviceStatus describes the state of UPnP port mapping on the gateway.
type UPnPDeviceStatus uint8

const (
	// UPnPStatusUnknown means UPnP has not been probed.
	UPnPStatusUnknown UPnPDeviceStatus = iota
	// UPnPDeviceNotFound means gateway discovery failed.
	UPnPDeviceNotFound
	// UPnPExternalIPPrivate means the gateway's WAN address is itself
	// private, so port forwarding cannot help.
	UPnPExternalIPPrivate
	// UPnPPortForwarded means a TCP mapping to the local service port is in
	// place.
	UPnPPortForwarded
	// UPnPPortForwardingFailed means the gateway refused every mapping
	// attempt.
	UPnPPortForwardingFailed
	// UPnPPortForwardedNotAccessible means a mapping is in place but the
	// echo service could not connect through it.
	UPnPPortForwardedNotAccessible
)

// String returns a human-readable representation of the status.
func (s UPnPDeviceStatus) String() string {
	switch s {
	case UPnPStatusUnknown:
		return "Unknown"
	case UPnPDeviceNotFound:
		return "DeviceNotFound"
	case UPnPExternalIPPrivate:
		return "ExternalIpPrivate"
	case UPnPPortForwarded:
		return "PortForwarded"
	case UPnPPortForwardingFailed:
		return "PortForwardingFailed"
	case UPnPPortForwardedNotAccessible:
		return "PortForwardedNotAccessible"
	default:
		return fmt.Sprintf("UPnPDeviceStatus(%d)", uint8(s))
	}
}

// portMappingDescription labels mappings this client creates on the gateway.
const portMappingDescription = "Bit Chat"

// Snapshot is a consistent copy of the connectivity state, published to
// change listeners and readable through the manager facade.
type Snapshot struct {
	InternetStatus      InternetConnectivityStatus
	UPnPStatus          UPnPDeviceStatus
	LocalLiveIP         net.IP
	UPnPExternalIP      net.IP
	UPnPExternalPort    int
	WebCheckEndpoint    *transport.Endpoint
	WebCheckSuccess     bool
	WebCheckError       bool
	ReceivedLiveInbound bool
}

// gatewayDevice is the IGD surface the probe uses; *upnp.Device implements
// it and tests substitute fakes.
type gatewayDevice interface {
	ExternalIP() (net.IP, error)
	FindPortMapping(protocol string, externalPort uint16) (*upnp.PortMappingEntry, bool)
	AddPortMapping(protocol string, externalPort uint16, internal transport.Endpoint, description string) error
	DeletePortMapping(protocol string, externalPort uint16) error
}

// connectivityProbe periodically classifies the host's internet access,
// maintains the UPnP port mapping, and validates reachability through the
// echo service. It is the only writer of the connectivity state.
type connectivityProbe struct {
	localPort           uint16
	echoServiceURL      string
	webCheckURL         string
	upnpDiscoverTimeout time.Duration
	initialDelay        time.Duration
	interval            time.Duration
	errorInterval       time.Duration

	clk        clock.Clock
	httpClient *http.Client
	logger     *logrus.Entry
	onChange   func(Snapshot)

	// Overridable for tests.
	netInfo  func() (*transport.InterfaceInfo, error)
	discover func(timeout time.Duration) (gatewayDevice, error)

	mu                  sync.Mutex
	timer               *clock.Timer
	stopped             bool
	internetStatus      InternetConnectivityStatus
	upnpStatus          UPnPDeviceStatus
	localLiveIP         net.IP
	upnpExternalIP      net.IP
	upnpExternalPort    int
	webCheckEP          *transport.Endpoint
	webCheckSuccess     bool
	webCheckError       bool
	receivedLiveInbound bool

	gateway          gatewayDevice
	gatewayBroadcast net.IP
}

func newConnectivityProbe(localPort uint16, opts *Options, clk clock.Clock, logger *logrus.Entry, onChange func(Snapshot)) *connectivityProbe {
	return &connectivityProbe{
		localPort:           localPort,
		echoServiceURL:      opts.EchoServiceURL,
		webCheckURL:         opts.WebCheckURL,
		upnpDiscoverTimeout: opts.UPnPDiscoverTimeout,
		initialDelay:        opts.ProbeInitialDelay,
		interval:            opts.ProbeInterval,
		errorInterval:       opts.ProbeErrorInterval,
		clk:                 clk,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		logger:              logger,
		onChange:            onChange,
		netInfo:             transport.DefaultRouteInterface,
		discover: func(timeout time.Duration) (gatewayDevice, error) {
			return upnp.Discover(timeout)
		},
	}
}

// start schedules the first probe run.
func (p *connectivityProbe) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.clk.AfterFunc(p.initialDelay, p.run)
}

// stop cancels the pending probe. In-flight runs finish but do not
// reschedule.
func (p *connectivityProbe) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// run executes one probe pass and schedules the next. Any panic-free error
// path ends in rescheduling; a probe failure must never kill the loop.
func (p *connectivityProbe) run() {
	p.probeOnce()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	next := p.interval
	if p.upnpStatus == UPnPDeviceNotFound || p.upnpStatus == UPnPPortForwardingFailed {
		next = p.errorInterval
	}
	p.timer = p.clk.AfterFunc(next, p.run)
}

// probeOnce computes a fresh (internet status, UPnP status) pair, runs the
// validation phase when the pair changed, and commits the result. It returns
// whether the committed pair differs from the previous one.
func (p *connectivityProbe) probeOnce() (bool, Snapshot) {
	p.mu.Lock()
	prevInternet := p.internetStatus
	prevUPnP := p.upnpStatus
	p.mu.Unlock()

	result := p.classify()

	if result.internetStatus != prevInternet || result.upnpStatus != prevUPnP {
		p.validate(&result)
	}

	p.mu.Lock()
	p.internetStatus = result.internetStatus
	p.upnpStatus = result.upnpStatus
	p.localLiveIP = result.localLiveIP
	p.upnpExternalIP = result.upnpExternalIP
	p.upnpExternalPort = result.upnpExternalPort
	changed := result.internetStatus != prevInternet || result.upnpStatus != prevUPnP
	snapshot := p.snapshotLocked()
	p.mu.Unlock()

	if changed {
		p.logger.WithFields(logrus.Fields{
			"internet_status": result.internetStatus.String(),
			"upnp_status":     result.upnpStatus.String(),
		}).Info("Internet connectivity status changed")
		if p.onChange != nil {
			p.onChange(snapshot)
		}
	}
	return changed, snapshot
}

// probeResult carries the outcome of one classification pass before commit.
type probeResult struct {
	internetStatus   InternetConnectivityStatus
	upnpStatus       UPnPDeviceStatus
	localLiveIP      net.IP
	upnpExternalIP   net.IP
	upnpExternalPort int
}

// classify determines the connectivity status pair from the default
// interface and, for private addresses, the UPnP gateway.
func (p *connectivityProbe) classify() probeResult {
	result := probeResult{upnpStatus: UPnPStatusUnknown}

	iface, err := p.netInfo()
	if err != nil || iface == nil {
		// Leaving the NAT states: forget the cached gateway.
		p.gateway = nil
		p.gatewayBroadcast = nil
		result.internetStatus = StatusNoInternetConnection
		return result
	}
	if transport.IsPublicIP(iface.IP) {
		p.gateway = nil
		p.gatewayBroadcast = nil
		result.internetStatus = StatusDirectInternetConnection
		result.localLiveIP = iface.IP
		return result
	}

	// Private address: find a gateway willing to forward a port for us.
	p.ensureGateway(iface)
	if p.gateway == nil {
		result.internetStatus = StatusNATInternetConnection
		result.upnpStatus = UPnPDeviceNotFound
		return result
	}
	result.internetStatus = StatusNATInternetConnectionViaUPnPRouter

	externalIP, err := p.gateway.ExternalIP()
	if err != nil {
		// Treat a dead gateway like a missing one; rediscover next pass.
		p.gateway = nil
		p.gatewayBroadcast = nil
		result.internetStatus = StatusNATInternetConnection
		result.upnpStatus = UPnPDeviceNotFound
		return result
	}
	result.upnpExternalIP = externalIP

	if transport.IsPrivateIPv4(externalIP) {
		result.upnpStatus = UPnPExternalIPPrivate
		return result
	}

	result.upnpStatus, result.upnpExternalPort = p.mapPort(iface.IP)
	return result
}

// ensureGateway discovers the IGD, reusing the cached device while the
// interface's broadcast address is unchanged.
func (p *connectivityProbe) ensureGateway(iface *transport.InterfaceInfo) {
	if p.gateway != nil && p.gatewayBroadcast.Equal(iface.Broadcast) {
		return
	}
	device, err := p.discover(p.upnpDiscoverTimeout)
	if err != nil {
		p.logger.WithField("error", err).Debug("Gateway discovery failed")
		p.gateway = nil
		p.gatewayBroadcast = nil
		return
	}
	p.gateway = device
	p.gatewayBroadcast = iface.Broadcast
}

// mapPort finds an external port and installs a TCP mapping to the local
// service port. The search starts at the local port and walks upward,
// wrapping from 65535 to 1024, reusing a mapping that already points at us.
// The walk is capped at the size of the port space so it always terminates.
func (p *connectivityProbe) mapPort(localIP net.IP) (UPnPDeviceStatus, int) {
	internal := transport.Endpoint{IP: localIP, Port: p.localPort}
	externalPort := p.localPort

	free := false
	for i := 0; i < 65535; i++ {
		entry, found := p.gateway.FindPortMapping(upnp.ProtocolTCP, externalPort)
		if !found {
			free = true
			break
		}
		if entry.InternalPort == internal.Port && entry.InternalClient != nil && entry.InternalClient.Equal(localIP) {
			// Our own mapping from an earlier run; keep it.
			return UPnPPortForwarded, int(externalPort)
		}
		if externalPort == 65535 {
			externalPort = 1024
		} else {
			externalPort++
		}
	}
	if !free {
		return UPnPPortForwardingFailed, -1
	}

	if err := p.gateway.AddPortMapping(upnp.ProtocolTCP, externalPort, internal, portMappingDescription); err != nil {
		p.logger.WithFields(logrus.Fields{
			"external_port": externalPort,
			"error":         err,
		}).Debug("Port mapping failed, deleting stale entry and retrying")
		p.gateway.DeletePortMapping(upnp.ProtocolTCP, externalPort)
		if err := p.gateway.AddPortMapping(upnp.ProtocolTCP, externalPort, internal, portMappingDescription); err != nil {
			p.logger.WithFields(logrus.Fields{
				"external_port": externalPort,
				"error":         err,
			}).Warn("Port mapping failed")
			return UPnPPortForwardingFailed, -1
		}
	}
	return UPnPPortForwarded, int(externalPort)
}

// validate runs after the status pair changed: test general web access, echo
// the relevant external port, and demote statuses the checks contradict.
func (p *connectivityProbe) validate(result *probeResult) {
	webOK := checkWebAccess(p.httpClient, p.webCheckURL)

	switch result.internetStatus {
	case StatusDirectInternetConnection:
		if !p.echoCheck(int(p.localPort)) {
			result.localLiveIP = nil
		}
	case StatusNATInternetConnection:
		// Informational: records the observed external endpoint even though
		// nothing can be demoted here.
		p.echoCheck(int(p.localPort))
	case StatusNATInternetConnectionViaUPnPRouter:
		if result.upnpStatus == UPnPPortForwarded {
			if !p.echoCheck(result.upnpExternalPort) {
				result.upnpStatus = UPnPPortForwardedNotAccessible
			}
		}
	}

	if !webOK {
		result.localLiveIP = nil
		result.upnpExternalIP = nil
		result.upnpExternalPort = 0
		result.internetStatus = StatusNoInternetConnection

		p.mu.Lock()
		p.webCheckEP = nil
		p.mu.Unlock()
	}
}

// echoCheck queries the echo service for the given external port and folds
// the answer into the web-check state. The return value is the reachability
// confidence: true unless the service cleanly reported "unreachable". A
// transient HTTP failure is not evidence of being unreachable.
func (p *connectivityProbe) echoCheck(externalPort int) bool {
	if p.echoServiceURL == "" || externalPort <= 0 || externalPort > 65535 {
		p.mu.Lock()
		p.webCheckError = true
		p.mu.Unlock()
		return true
	}

	resp, err := requestEcho(p.httpClient, p.echoServiceURL, uint16(externalPort))

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.logger.WithField("error", err).Debug("Echo check failed")
		p.webCheckError = true
		return true
	}

	p.webCheckSuccess = true
	p.webCheckError = false
	if resp.Endpoint != nil {
		p.webCheckEP = resp.Endpoint
	}
	if !resp.Reachable {
		// Let a later inbound observation re-assert reachability.
		p.receivedLiveInbound = false
	}
	return resp.Reachable
}

// markLiveInbound records that a connection arrived from a non-private IPv4
// address. Sticky until an echo check reports unreachable.
func (p *connectivityProbe) markLiveInbound() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receivedLiveInbound = true
}

// snapshot returns a consistent copy of the connectivity state.
func (p *connectivityProbe) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *connectivityProbe) snapshotLocked() Snapshot {
	return Snapshot{
		InternetStatus:      p.internetStatus,
		UPnPStatus:          p.upnpStatus,
		LocalLiveIP:         p.localLiveIP,
		UPnPExternalIP:      p.upnpExternalIP,
		UPnPExternalPort:    p.upnpExternalPort,
		WebCheckEndpoint:    p.webCheckEP,
		WebCheckSuccess:     p.webCheckSuccess,
		WebCheckError:       p.webCheckError,
		ReceivedLiveInbound: p.receivedLiveInbound,
	}
}
