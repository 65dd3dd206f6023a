package upnp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
)

// ProtocolTCP is the protocol string IGDs expect for TCP port mappings.
const ProtocolTCP = "TCP"

var (
	// ErrNoDevice indicates no Internet Gateway Device answered discovery.
	ErrNoDevice = errors.New("no internet gateway device found")
	// ErrDiscoveryTimeout indicates discovery did not finish within the deadline.
	ErrDiscoveryTimeout = errors.New("internet gateway device discovery timed out")
)

// Client is the subset of the IGD SOAP surface the connection manager uses.
// All goupnp WANIPConnection1 and WANPPPConnection1 service clients satisfy
// it; tests provide fakes.
type Client interface {
	GetExternalIPAddress() (string, error)

	GetSpecificPortMappingEntry(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) (
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
		err error,
	)

	AddPortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) error

	DeletePortMapping(
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) error
}

// PortMappingEntry describes an existing mapping on the gateway.
type PortMappingEntry struct {
	InternalClient net.IP
	InternalPort   uint16
	Enabled        bool
	Description    string
}

// Device is a discovered Internet Gateway Device.
type Device struct {
	client Client
	logger *logrus.Entry
}

// NewDevice wraps an IGD client. Discovery normally produces the client;
// tests pass a fake.
func NewDevice(client Client) *Device {
	return &Device{
		client: client,
		logger: logrus.WithField("component", "upnp"),
	}
}

// Discover locates an Internet Gateway Device on the local network, trying
// IGDv2 service clients before falling back to IGDv1. The SSDP exchange runs
// in the background; Discover returns ErrDiscoveryTimeout when no device
// answered within the given timeout.
func Discover(timeout time.Duration) (*Device, error) {
	type result struct {
		client Client
		err    error
	}

	resultCh := make(chan result, 1)
	go func() {
		client, err := discoverClient()
		resultCh <- result{client: client, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return NewDevice(res.client), nil
	case <-time.After(timeout):
		return nil, ErrDiscoveryTimeout
	}
}

// discoverClient tries each IGD service generation in order of preference.
func discoverClient() (Client, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	return nil, ErrNoDevice
}

// ExternalIP queries the gateway for its WAN-side address.
func (d *Device) ExternalIP() (net.IP, error) {
	raw, err := d.client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to query external IP: %w", err)
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("gateway returned unparseable external IP %q", raw)
	}
	return ip, nil
}

// FindPortMapping probes the gateway for an existing mapping of the given
// external port. The second return value is false when the port is free; a
// SOAP fault from the gateway is treated as "no such entry", which is how
// IGDs report absent mappings.
func (d *Device) FindPortMapping(protocol string, externalPort uint16) (*PortMappingEntry, bool) {
	internalPort, internalClient, enabled, description, _, err := d.client.GetSpecificPortMappingEntry("", externalPort, protocol)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"protocol":      protocol,
			"external_port": externalPort,
		}).Debug("No existing port mapping entry")
		return nil, false
	}
	return &PortMappingEntry{
		InternalClient: net.ParseIP(internalClient),
		InternalPort:   internalPort,
		Enabled:        enabled,
		Description:    description,
	}, true
}

// AddPortMapping maps externalPort on the gateway to the given internal
// endpoint with an unlimited lease.
func (d *Device) AddPortMapping(protocol string, externalPort uint16, internal transport.Endpoint, description string) error {
	err := d.client.AddPortMapping("", externalPort, protocol, internal.Port, internal.IP.String(), true, description, 0)
	if err != nil {
		return fmt.Errorf("failed to add port mapping: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"protocol":      protocol,
		"external_port": externalPort,
		"internal":      internal.String(),
	}).Debug("Added port mapping")
	return nil
}

// DeletePortMapping removes the mapping of externalPort from the gateway.
func (d *Device) DeletePortMapping(protocol string, externalPort uint16) error {
	if err := d.client.DeletePortMapping("", externalPort, protocol); err != nil {
		return fmt.Errorf("failed to delete port mapping: %w", err)
	}
	return nil
}
