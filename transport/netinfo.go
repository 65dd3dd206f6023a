package transport

import (
	"errors"
	"net"
)

// InterfaceInfo describes the network interface carrying the host's default
// route: the local address in use and, for IPv4, the subnet broadcast
// address gateway discovery should target.
type InterfaceInfo struct {
	IP        net.IP
	Broadcast net.IP
}

// ErrNoNetwork indicates the host has no usable network interface.
var ErrNoNetwork = errors.New("no network connection available")

// DefaultRouteInterface determines the interface the OS would use for
// outbound traffic and returns its local and broadcast addresses.
//
// The local address is found by opening a connectionless UDP socket towards
// a public address; no packet is sent. The owning interface is then located
// to compute the IPv4 broadcast address.
func DefaultRouteInterface() (*InterfaceInfo, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		// No IPv4 route; try IPv6 before giving up.
		conn, err = net.Dial("udp6", "[2001:4860:4860::8888]:53")
		if err != nil {
			return nil, ErrNoNetwork
		}
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || localAddr.IP == nil || localAddr.IP.IsUnspecified() {
		return nil, ErrNoNetwork
	}

	info := &InterfaceInfo{IP: localAddr.IP}
	if v4 := localAddr.IP.To4(); v4 != nil {
		info.Broadcast = broadcastFor(v4)
	}
	return info, nil
}

// broadcastFor computes the subnet broadcast address for the interface
// owning the given IPv4 address. Returns nil when the owning interface
// cannot be found.
func broadcastFor(ip net.IP) net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !ipNet.IP.Equal(ip) {
				continue
			}
			v4 := ipNet.IP.To4()
			mask := ipNet.Mask
			if v4 == nil || len(mask) != net.IPv4len {
				continue
			}
			broadcast := make(net.IP, net.IPv4len)
			for i := range broadcast {
				broadcast[i] = v4[i] | ^mask[i]
			}
			return broadcast
		}
	}
	return nil
}
