// Package transport provides the low-level primitives shared by the BitChat
// connection manager: endpoint values and address classification, the
// per-process peer identity, the handshake wire codec, and stream helpers
// (virtual-channel detection, per-operation deadlines, socket options).
//
// The package is deliberately free of connection-management policy; the
// connmgr package builds the registry, connector, and connectivity probe on
// top of these primitives.
package transport
