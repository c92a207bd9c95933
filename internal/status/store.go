package status

import (
	"sync"

	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

// Store holds the worker's last server-confirmed availability. It is only
// written from status-fetch responses and confirmed status-update calls;
// intended (not yet confirmed) state lives in the lifecycle synchronizer.
type Store struct {
	mu     sync.RWMutex
	status protocol.WorkerStatus
}

// New creates an empty store (status OFFLINE, unverified).
func New() *Store {
	return &Store{status: protocol.WorkerStatus{Status: protocol.Offline}}
}

// Get returns the current worker status.
func (s *Store) Get() protocol.WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Set replaces the worker status with a server-confirmed value.
func (s *Store) Set(status protocol.WorkerStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetAvailability updates the availability while keeping the verified flag.
func (s *Store) SetAvailability(a protocol.Availability) {
	s.mu.Lock()
	s.status.Status = a
	s.mu.Unlock()
}

// Working reports whether the worker is mid-job.
func (s *Store) Working() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Status == protocol.Working
}
