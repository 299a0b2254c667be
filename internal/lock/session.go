package lock

import "sync"

// Sessions records which client session owns which lock acquisition. A
// session owns the lock only while the acquisition it recorded is still the
// current one, so a marker replaced by another device invalidates ownership
// without any cleanup.
type Sessions struct {
	mu     sync.Mutex
	owners map[string]string
}

// NewSessions returns an empty ownership map.
func NewSessions() *Sessions {
	return &Sessions{owners: make(map[string]string)}
}

func (s *Sessions) set(session string, info *Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[session] = info.key()
}

// owns reports whether session recorded the acquisition described by info.
func (s *Sessions) owns(session string, info *Info) bool {
	if session == "" || info == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.owners[session]
	return ok && k == info.key()
}

// Has reports whether session has recorded any acquisition.
func (s *Sessions) Has(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.owners[session]
	return ok
}

func (s *Sessions) clear(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, session)
}

func (s *Sessions) clearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.owners)
}
