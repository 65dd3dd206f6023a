// Package transport implements address classification for the BitChat
// connection manager.
//
// This file provides the Endpoint value type used to key connection indexes
// and the private/public address classification the admission policy and the
// connectivity probe depend on.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// AddressFamily identifies the IP address family of an endpoint.
//
// The numeric values match the family tags used by the connectivity echo
// service response frame (1 = IPv4, 2 = IPv6).
type AddressFamily uint8

const (
	// FamilyNone means the address family could not be determined.
	FamilyNone AddressFamily = 0
	// FamilyIPv4 represents IPv4 addresses.
	FamilyIPv4 AddressFamily = 1
	// FamilyIPv6 represents IPv6 addresses.
	FamilyIPv6 AddressFamily = 2
)

// String returns a human-readable representation of the AddressFamily.
func (af AddressFamily) String() string {
	switch af {
	case FamilyIPv4:
		return "IPv4"
	case FamilyIPv6:
		return "IPv6"
	case FamilyNone:
		return "None"
	default:
		return fmt.Sprintf("AddressFamily(%d)", uint8(af))
	}
}

// Endpoint is an (IP address, port) pair identifying one side of a peer
// connection. Endpoints compare by full tuple.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// ErrNotTCPAddr is returned when an endpoint is derived from a non-TCP
// network address.
var ErrNotTCPAddr = errors.New("address is not a TCP address")

// EndpointFromAddr derives an Endpoint from a net.Addr, which must be a
// *net.TCPAddr.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %T", ErrNotTCPAddr, addr)
	}
	return Endpoint{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}, nil
}

// Family returns the address family of the endpoint's IP.
func (e Endpoint) Family() AddressFamily {
	if e.IP == nil {
		return FamilyNone
	}
	if e.IP.To4() != nil {
		return FamilyIPv4
	}
	if e.IP.To16() != nil {
		return FamilyIPv6
	}
	return FamilyNone
}

// Equal reports whether two endpoints refer to the same address and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.Equal(other.IP)
}

// WithPort returns a copy of the endpoint with the port replaced. The
// acceptor uses this to rewrite an ephemeral socket port to the service port
// a peer advertises during the handshake.
func (e Endpoint) WithPort(port uint16) Endpoint {
	return Endpoint{IP: e.IP, Port: port}
}

// String formats the endpoint as host:port. The result is used as the
// registry's endpoint index key, so it must be stable for equal endpoints.
func (e Endpoint) String() string {
	if e.IP == nil {
		return fmt.Sprintf(":%d", e.Port)
	}
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// TCPAddr converts the endpoint to a *net.TCPAddr for dialing.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: int(e.Port)}
}

// privateIPv4Blocks covers the address space treated as non-routable for the
// purposes of peer admission and connectivity classification: RFC 1918
// ranges, loopback, and link-local.
var privateIPv4Blocks = []net.IPNet{
	{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
	{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
	{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
	{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
}

// IsPrivateIPv4 reports whether ip is an IPv4 address inside private,
// loopback, or link-local space.
func IsPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for _, block := range privateIPv4Blocks {
		if block.Contains(v4) {
			return true
		}
	}
	return false
}

// IsPublicIP reports whether ip is a globally routable unicast address.
func IsPublicIP(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() || ip.IsMulticast() {
		return false
	}
	if ip.To4() != nil {
		return !IsPrivateIPv4(ip)
	}
	return !ip.IsLinkLocalUnicast() && !ip.IsPrivate()
}
