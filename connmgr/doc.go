// Package connmgr implements the BitChat connection manager: the subsystem
// that discovers, establishes, deduplicates, and maintains the set of live
// peer connections under NAT and firewalled network conditions.
//
// The manager owns a TCP listener, a dual-index connection registry, an
// outbound connector with a tunnel-through-peer fallback, and a periodic
// connectivity probe that classifies the host's internet access (direct,
// NAT with UPnP port mapping, NAT without) and validates reachability
// through an external echo service.
//
// Higher-level chat logic supplies a ConnectionFactory that builds its
// channel-multiplexing Connection over each admitted stream; the manager
// treats those connections as opaque handles.
package connmgr
