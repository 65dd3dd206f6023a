// Package upnp talks to a UPnP Internet Gateway Device on the local network.
//
// It wraps the goupnp generated service clients behind a small interface so
// the connectivity probe can discover the gateway, read its external IP
// address, and manage TCP port mappings, and so tests can substitute a fake
// gateway without SSDP traffic.
package upnp
