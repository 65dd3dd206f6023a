package transport

import (
	"net"
	"time"
)

// VirtualChannel marks a stream that rides inside another connection's
// tunnel channel rather than a direct TCP socket. Tunnel streams handed out
// by a relaying connection implement this interface.
type VirtualChannel interface {
	IsVirtualChannel() bool
}

// IsVirtualStream reports whether the stream is a tunneled channel. A stream
// that does not implement VirtualChannel is a direct transport stream.
func IsVirtualStream(conn net.Conn) bool {
	vc, ok := conn.(VirtualChannel)
	return ok && vc.IsVirtualChannel()
}

// SetSocketOptions applies the standard socket options for peer streams.
// Currently this disables Nagle's algorithm on TCP sockets; non-TCP streams
// are left untouched.
func SetSocketOptions(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(true)
	}
	return nil
}

// DeadlineConn wraps a stream and enforces per-operation read and write
// deadlines, emulating socket-level send/receive timeouts. The receive
// timeout is much longer than the send timeout: a tunnel channel can sit
// idle for a long time between application-layer keepalives.
type DeadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewDeadlineConn wraps conn with the given per-operation timeouts. A zero
// timeout disables the deadline for that direction.
func NewDeadlineConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *DeadlineConn {
	return &DeadlineConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Read arms the read deadline and reads from the underlying stream.
func (c *DeadlineConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

// Write arms the write deadline and writes to the underlying stream.
func (c *DeadlineConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// IsVirtualChannel preserves the virtual-channel marker of the wrapped
// stream, so deadline wrapping does not change how the registry classifies
// a connection.
func (c *DeadlineConn) IsVirtualChannel() bool {
	return IsVirtualStream(c.Conn)
}
