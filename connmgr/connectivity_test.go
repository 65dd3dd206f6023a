package connmgr

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shayananique/BitChatClient/transport"
	"github.com/shayananique/BitChatClient/upnp"
)

// fakeGateway implements gatewayDevice over an in-memory mapping table.
type fakeGateway struct {
	mu         sync.Mutex
	externalIP net.IP
	extErr     error
	mappings   map[uint16]*upnp.PortMappingEntry
	addErrs    int
	added      []uint16
	deleted    []uint16
}

func newFakeGateway(externalIP string) *fakeGateway {
	return &fakeGateway{
		externalIP: net.ParseIP(externalIP),
		mappings:   make(map[uint16]*upnp.PortMappingEntry),
	}
}

func (g *fakeGateway) ExternalIP() (net.IP, error) {
	return g.externalIP, g.extErr
}

func (g *fakeGateway) FindPortMapping(_ string, port uint16) (*upnp.PortMappingEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.mappings[port]
	return entry, ok
}

func (g *fakeGateway) AddPortMapping(_ string, port uint16, internal transport.Endpoint, description string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErrs > 0 {
		g.addErrs--
		return errors.New("ConflictInMappingEntry")
	}
	g.added = append(g.added, port)
	g.mappings[port] = &upnp.PortMappingEntry{
		InternalClient: internal.IP,
		InternalPort:   internal.Port,
		Enabled:        true,
		Description:    description,
	}
	return nil
}

func (g *fakeGateway) DeletePortMapping(_ string, port uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, port)
	delete(g.mappings, port)
	return nil
}

type probeEnv struct {
	probe   *connectivityProbe
	clock   *clock.Mock
	gateway *fakeGateway
	events  []Snapshot
	mu      sync.Mutex
}

func (e *probeEnv) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// newProbeEnv builds a probe with a mock clock, a fake interface carrying
// the given local IP, and (for private addresses) a fake gateway.
func newProbeEnv(t *testing.T, localPort uint16, localIP string, gateway *fakeGateway) *probeEnv {
	t.Helper()
	opts := NewOptions()
	opts.EchoServiceURL = ""
	opts.WebCheckURL = ""
	opts.UPnPDiscoverTimeout = time.Second

	env := &probeEnv{clock: clock.NewMock(), gateway: gateway}
	env.probe = newConnectivityProbe(localPort, opts, env.clock, testLogger(), func(s Snapshot) {
		env.mu.Lock()
		env.events = append(env.events, s)
		env.mu.Unlock()
	})
	env.probe.netInfo = func() (*transport.InterfaceInfo, error) {
		if localIP == "" {
			return nil, transport.ErrNoNetwork
		}
		return &transport.InterfaceInfo{
			IP:        net.ParseIP(localIP),
			Broadcast: net.ParseIP("192.168.1.255"),
		}, nil
	}
	env.probe.discover = func(time.Duration) (gatewayDevice, error) {
		if gateway == nil {
			return nil, upnp.ErrDiscoveryTimeout
		}
		return gateway, nil
	}
	return env
}

func TestProbeNoNetwork(t *testing.T) {
	env := newProbeEnv(t, 38800, "", nil)

	changed, snapshot := env.probe.probeOnce()
	assert.True(t, changed)
	assert.Equal(t, StatusNoInternetConnection, snapshot.InternetStatus)
	assert.Equal(t, UPnPStatusUnknown, snapshot.UPnPStatus)
}

func TestProbeDirectPublicIP(t *testing.T) {
	env := newProbeEnv(t, 38800, "203.0.113.5", nil)

	changed, snapshot := env.probe.probeOnce()
	assert.True(t, changed)
	assert.Equal(t, StatusDirectInternetConnection, snapshot.InternetStatus)
	assert.True(t, snapshot.LocalLiveIP.Equal(net.ParseIP("203.0.113.5")))

	// Same classification again: no change, no event.
	changed, _ = env.probe.probeOnce()
	assert.False(t, changed)
}

func TestProbeGatewayDiscoveryFails(t *testing.T) {
	env := newProbeEnv(t, 38800, "192.168.1.5", nil)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, StatusNATInternetConnection, snapshot.InternetStatus)
	assert.Equal(t, UPnPDeviceNotFound, snapshot.UPnPStatus)
}

func TestProbeUPnPPortFree(t *testing.T) {
	gateway := newFakeGateway("203.0.113.10")
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, StatusNATInternetConnectionViaUPnPRouter, snapshot.InternetStatus)
	assert.Equal(t, UPnPPortForwarded, snapshot.UPnPStatus)
	assert.Equal(t, 38800, snapshot.UPnPExternalPort)
	assert.True(t, snapshot.UPnPExternalIP.Equal(net.ParseIP("203.0.113.10")))

	require.Len(t, gateway.added, 1)
	entry := gateway.mappings[38800]
	require.NotNil(t, entry)
	assert.Equal(t, "Bit Chat", entry.Description)
	assert.True(t, entry.InternalClient.Equal(net.ParseIP("192.168.1.5")))
	assert.Equal(t, uint16(38800), entry.InternalPort)
}

func TestProbeUPnPPortCollision(t *testing.T) {
	// The local port is mapped to some other host; the probe walks up to
	// the next free external port.
	gateway := newFakeGateway("203.0.113.10")
	gateway.mappings[38800] = &upnp.PortMappingEntry{
		InternalClient: net.ParseIP("192.168.1.99"),
		InternalPort:   38800,
	}
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwarded, snapshot.UPnPStatus)
	assert.Equal(t, 38801, snapshot.UPnPExternalPort)
	assert.Equal(t, []uint16{38801}, gateway.added)
}

func TestProbeUPnPReusesOwnMapping(t *testing.T) {
	gateway := newFakeGateway("203.0.113.10")
	gateway.mappings[38800] = &upnp.PortMappingEntry{
		InternalClient: net.ParseIP("192.168.1.5"),
		InternalPort:   38800,
	}
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwarded, snapshot.UPnPStatus)
	assert.Equal(t, 38800, snapshot.UPnPExternalPort)
	assert.Empty(t, gateway.added, "an existing self-mapping is reused")
}

func TestProbeUPnPPortSearchWraps(t *testing.T) {
	// Ports 65534 and 65535 are taken by another host; the search wraps to
	// 1024 instead of overflowing.
	gateway := newFakeGateway("203.0.113.10")
	for _, port := range []uint16{65534, 65535} {
		gateway.mappings[port] = &upnp.PortMappingEntry{
			InternalClient: net.ParseIP("192.168.1.99"),
			InternalPort:   port,
		}
	}
	env := newProbeEnv(t, 65534, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwarded, snapshot.UPnPStatus)
	assert.Equal(t, 1024, snapshot.UPnPExternalPort)
}

func TestProbeUPnPAddRetriesAfterDelete(t *testing.T) {
	gateway := newFakeGateway("203.0.113.10")
	gateway.addErrs = 1
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwarded, snapshot.UPnPStatus)
	assert.Equal(t, []uint16{38800}, gateway.deleted, "stale mapping deleted before the retry")
	assert.Equal(t, []uint16{38800}, gateway.added)
}

func TestProbeUPnPPortForwardingFailed(t *testing.T) {
	gateway := newFakeGateway("203.0.113.10")
	gateway.addErrs = 2
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwardingFailed, snapshot.UPnPStatus)
	assert.Equal(t, -1, snapshot.UPnPExternalPort)
}

func TestProbeUPnPExternalIPPrivate(t *testing.T) {
	gateway := newFakeGateway("192.168.0.2")
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, StatusNATInternetConnectionViaUPnPRouter, snapshot.InternetStatus)
	assert.Equal(t, UPnPExternalIPPrivate, snapshot.UPnPStatus)
	assert.Empty(t, gateway.added, "no point forwarding behind a double NAT")
}

func TestProbeEchoReachable(t *testing.T) {
	// Direct public IP and an echo service observing us at 203.0.113.5:38800.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(echoFrame(true, net.ParseIP("203.0.113.5"), 38800))
	}))
	defer server.Close()

	env := newProbeEnv(t, 38800, "203.0.113.5", nil)
	env.probe.echoServiceURL = server.URL

	changed, snapshot := env.probe.probeOnce()
	assert.True(t, changed)
	assert.Equal(t, StatusDirectInternetConnection, snapshot.InternetStatus)
	assert.True(t, snapshot.WebCheckSuccess)
	assert.False(t, snapshot.WebCheckError)
	require.NotNil(t, snapshot.WebCheckEndpoint)
	assert.Equal(t, "203.0.113.5:38800", snapshot.WebCheckEndpoint.String())
	assert.Equal(t, 1, env.eventCount(), "status change must fire the event")
}

func TestProbeEchoUnreachableBehindUPnP(t *testing.T) {
	// Mapping succeeds but the echo service cannot connect through it: the
	// UPnP status is demoted while the observed endpoint is still recorded.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(echoFrame(false, net.ParseIP("203.0.113.10"), 38800))
	}))
	defer server.Close()

	gateway := newFakeGateway("203.0.113.10")
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)
	env.probe.echoServiceURL = server.URL
	env.probe.markLiveInbound()

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, UPnPPortForwardedNotAccessible, snapshot.UPnPStatus)
	assert.True(t, snapshot.WebCheckSuccess)
	assert.False(t, snapshot.ReceivedLiveInbound, "a clean unreachable clears the sticky inbound flag")
}

func TestProbeEchoErrorKeepsConfidence(t *testing.T) {
	// The echo service is down: that is no evidence of unreachability.
	url := func() string {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()
		return server.URL
	}()

	env := newProbeEnv(t, 38800, "203.0.113.5", nil)
	env.probe.echoServiceURL = url
	env.probe.markLiveInbound()

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, StatusDirectInternetConnection, snapshot.InternetStatus)
	assert.NotNil(t, snapshot.LocalLiveIP, "an echo error must not demote the live IP")
	assert.True(t, snapshot.WebCheckError)
	assert.True(t, snapshot.ReceivedLiveInbound)
}

func TestProbeNoWebAccessDemotes(t *testing.T) {
	url := func() string {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()
		return server.URL
	}()

	env := newProbeEnv(t, 38800, "203.0.113.5", nil)
	env.probe.webCheckURL = url

	_, snapshot := env.probe.probeOnce()
	assert.Equal(t, StatusNoInternetConnection, snapshot.InternetStatus)
	assert.Nil(t, snapshot.LocalLiveIP)
	assert.Nil(t, snapshot.UPnPExternalIP)
}

func TestProbeScheduling(t *testing.T) {
	env := newProbeEnv(t, 38800, "192.168.1.5", nil)

	var mu sync.Mutex
	calls := 0
	inner := env.probe.netInfo
	env.probe.netInfo = func() (*transport.InterfaceInfo, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return inner()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	env.probe.start()
	assert.Equal(t, 0, count())

	// First pass after the initial delay; discovery fails, so the probe
	// retries on the short error cadence.
	env.clock.Add(time.Second)
	assert.Equal(t, 1, count())

	env.clock.Add(10 * time.Second)
	assert.Equal(t, 2, count())

	env.probe.stop()
	env.clock.Add(time.Hour)
	assert.Equal(t, 2, count())
}

func TestProbeHealthySchedulingUsesNormalInterval(t *testing.T) {
	env := newProbeEnv(t, 38800, "203.0.113.5", nil)

	var mu sync.Mutex
	calls := 0
	inner := env.probe.netInfo
	env.probe.netInfo = func() (*transport.InterfaceInfo, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return inner()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	env.probe.start()
	env.clock.Add(time.Second)
	require.Equal(t, 1, count())

	env.clock.Add(10 * time.Second)
	assert.Equal(t, 1, count(), "healthy status keeps the 60s cadence")
	env.clock.Add(50 * time.Second)
	assert.Equal(t, 2, count())
}

func TestProbeGatewayLostFallsBackToRediscovery(t *testing.T) {
	gateway := newFakeGateway("203.0.113.10")
	env := newProbeEnv(t, 38800, "192.168.1.5", gateway)

	_, snapshot := env.probe.probeOnce()
	require.Equal(t, StatusNATInternetConnectionViaUPnPRouter, snapshot.InternetStatus)

	gateway.extErr = errors.New("gateway gone")
	_, snapshot = env.probe.probeOnce()
	assert.Equal(t, StatusNATInternetConnection, snapshot.InternetStatus)
	assert.Equal(t, UPnPDeviceNotFound, snapshot.UPnPStatus)
}
