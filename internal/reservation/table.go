// ABOUTME: Authoritative reservation table kept by the broker.
// ABOUTME: Not self-locking; the broker serializes access under its state mutex.

package reservation

import (
	"errors"

	"github.com/pi-hive/hive/internal/protocol"
)

// ErrEmptyPaths indicates a reserve carried no usable path.
var ErrEmptyPaths = errors.New("reserve requires at least one non-empty path")

// ConflictError reports an overlap with another agent's reservation. The
// broker formats the wire error from it so the requester can attribute the
// conflict to an owner and, if present, a reason.
type ConflictError struct {
	OwnerID     string
	OwnerReason string
	Requested   string
	Held        string
}

func (e *ConflictError) Error() string {
	return "path " + e.Requested + " conflicts with reservation of " + e.Held
}

// Table maps agent id to its active reservation. Every stored path is in
// normalized form; within one entry paths are deduplicated; across entries
// no two paths overlap.
type Table struct {
	owners map[string]protocol.Reservation
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{owners: make(map[string]protocol.Reservation)}
}

// Reserve normalizes and deduplicates paths, rejects any overlap with a
// different owner's holding, then merges into the caller's entry. The reason
// is replaced when provided, preserved otherwise.
func (t *Table) Reserve(owner string, paths []string, reason string) error {
	norm := make([]string, 0, len(paths))
	for _, p := range paths {
		if n := Normalize(p); n != "" {
			norm = append(norm, n)
		}
	}
	norm = dedupe(norm)
	if len(norm) == 0 {
		return ErrEmptyPaths
	}

	for _, p := range norm {
		if id, held, ok := findOverlap(t.owners, owner, p); ok {
			return &ConflictError{
				OwnerID:     id,
				OwnerReason: t.owners[id].Reason,
				Requested:   p,
				Held:        held,
			}
		}
	}

	entry := t.owners[owner]
	entry.Paths = dedupe(append(entry.Paths, norm...))
	if reason != "" {
		entry.Reason = reason
	}
	t.owners[owner] = entry
	return nil
}

// Release removes the given normalized paths from the owner's entry, or the
// entire entry when paths is empty. Releasing paths that were never held is
// a no-op. Returns whether the table changed.
func (t *Table) Release(owner string, paths []string) bool {
	entry, ok := t.owners[owner]
	if !ok {
		return false
	}
	if len(paths) == 0 {
		delete(t.owners, owner)
		return true
	}

	drop := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		drop[Normalize(p)] = struct{}{}
	}
	kept := entry.Paths[:0]
	for _, p := range entry.Paths {
		if _, gone := drop[p]; !gone {
			kept = append(kept, p)
		}
	}
	changed := len(kept) != len(entry.Paths)
	if len(kept) == 0 {
		delete(t.owners, owner)
		return changed
	}
	entry.Paths = kept
	t.owners[owner] = entry
	return changed
}

// Drop deletes the owner's reservation entirely, reporting whether one existed.
// Disconnect cleanup calls this; it is idempotent.
func (t *Table) Drop(owner string) bool {
	if _, ok := t.owners[owner]; !ok {
		return false
	}
	delete(t.owners, owner)
	return true
}

// Snapshot copies the table into the wire representation.
func (t *Table) Snapshot() protocol.ReservationMap {
	return protocol.ReservationMap(t.owners).Clone()
}

// FindOverlap scans a reservation map for an entry of a different owner
// holding a path that overlaps p. Clients run this against their cached
// replica before invoking file-writing tools.
func FindOverlap(m protocol.ReservationMap, requester, p string) (ownerID string, held string, ok bool) {
	return findOverlap(map[string]protocol.Reservation(m), requester, p)
}

func findOverlap(owners map[string]protocol.Reservation, requester, p string) (string, string, bool) {
	for id, r := range owners {
		if id == requester {
			continue
		}
		for _, held := range r.Paths {
			if Overlap(p, held) {
				return id, held, true
			}
		}
	}
	return "", "", false
}
