// ABOUTME: Pre-flight write guard: checks a target path against the cached
// ABOUTME: reservation replica before the agent touches the file.

package client

import (
	"fmt"

	"github.com/pi-hive/hive/internal/reservation"
)

// CheckWrite reports whether writing path would trespass on another agent's
// reservation. Relative paths resolve against this agent's working
// directory. The returned error names the owning agent and its reason so the
// caller can surface an actionable block message; nil means clear to write.
//
// The check runs against the local replica, so it is advisory: a reservation
// taken after the last reservations_updated is invisible until the next one.
func (s *Session) CheckWrite(path string) error {
	s.mu.Lock()
	self := s.self
	replica := s.reservations
	norm := reservation.Resolve(self.CWD, path)
	ownerID, held, blocked := reservation.FindOverlap(replica, self.ID, norm)
	var ownerName, reason string
	if blocked {
		ownerName = ownerID
		if a, ok := s.agents[ownerID]; ok {
			ownerName = a.Name
		}
		reason = replica[ownerID].Reason
	}
	s.mu.Unlock()

	if !blocked {
		return nil
	}
	if reason != "" {
		return fmt.Errorf("path %s is reserved by %s (%s, reason: %s)", norm, ownerName, held, reason)
	}
	return fmt.Errorf("path %s is reserved by %s (%s)", norm, ownerName, held)
}
