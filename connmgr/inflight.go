package connmgr

import (
	"sync"

	"github.com/shayananique/BitChatClient/transport"
)

// inflightSet tracks endpoints with a connection attempt currently in
// progress, so concurrent callers cannot race duplicate connects to the same
// peer. Direct and virtual attempts use separate sets.
type inflightSet struct {
	mu        sync.Mutex
	endpoints map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{endpoints: make(map[string]struct{})}
}

// add registers an endpoint. It fails with ErrAlreadyInProgress when the
// endpoint is already being connected to.
func (s *inflightSet) add(ep transport.Endpoint) error {
	key := ep.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[key]; exists {
		return ErrAlreadyInProgress
	}
	s.endpoints[key] = struct{}{}
	return nil
}

// remove releases an endpoint. Removing an absent endpoint is a no-op.
func (s *inflightSet) remove(ep transport.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, ep.String())
}

// contains reports whether an attempt for the endpoint is in flight.
func (s *inflightSet) contains(ep transport.Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.endpoints[ep.String()]
	return exists
}

// size returns the number of in-flight attempts.
func (s *inflightSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}
