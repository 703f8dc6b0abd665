package storage

import "github.com/mwendler/driftlog/internal/event"

// QueueUnprojected places an event on the failed-projection queue, the way
// append does when the cache transaction fails after a durable log write.
func (s *Storage) QueueUnprojected(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unprojected = append(s.unprojected, e)
}
