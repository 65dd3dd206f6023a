package connmgr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shayananique/BitChatClient/transport"
)

// findProxyPeer polls every currently connected peer in parallel, asking
// whether it holds a connection to the target endpoint. The first peer that
// answers yes wins and becomes the relay; losers' answers are discarded.
// In-flight probes are not cancelled on a win — they are bounded by the
// connections' own I/O timeouts.
func (m *Manager) findProxyPeer(target transport.Endpoint) (Connection, error) {
	conns := m.registry.Snapshot()
	if len(conns) == 0 {
		return nil, ErrNoPeerAvailable
	}

	// Single-slot publication: the first positive answer lands in the
	// buffered channel, every later one falls through the default case.
	winner := make(chan Connection, 1)
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c Connection) {
			defer wg.Done()
			ok, err := c.RequestPeerStatus(target)
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"peer":   c.RemoteEndpoint().String(),
					"target": target.String(),
				}).Debug("Peer status probe failed")
				return
			}
			if ok {
				select {
				case winner <- c:
				default:
				}
			}
		}(conn)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case proxy := <-winner:
		return proxy, nil
	case <-allDone:
		// Every peer answered; drain a winner that may have been published
		// between the last answer and the close.
		select {
		case proxy := <-winner:
			return proxy, nil
		default:
			return nil, ErrVirtualConnectTimeout
		}
	case <-m.clock.After(m.opts.VirtualConnectTimeout):
		return nil, ErrVirtualConnectTimeout
	}
}
