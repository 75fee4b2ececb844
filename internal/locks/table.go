// Package locks implements the per-board advisory item lock table.
package locks

import (
	"time"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/expiry"
)

// DefaultTTL bounds how long a lock survives without re-acquisition.
const DefaultTTL = 10 * time.Second

// TableConfig configures a Table.
type TableConfig struct {
	TTL      time.Duration
	Clock    func() time.Time
	OnChange func()
}

// Table maps item ids to the session holding them. First writer wins; there is no queueing.
type Table struct {
	ttl   time.Duration
	locks *expiry.Map[board.ItemID, string]
}

// NewTable constructs an empty lock table.
func NewTable(cfg TableConfig) *Table {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	locks := expiry.New[board.ItemID, string](expiry.Config{Clock: cfg.Clock})
	locks.OnChange(cfg.OnChange)
	return &Table{ttl: ttl, locks: locks}
}

// LockAll acquires every lock in ids for sessionID or none of them. Locks already held by the
// same session are refreshed.
func (t *Table) LockAll(ids []board.ItemID, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	if len(ids) == 0 {
		return true
	}
	acquired := false
	t.locks.Update(func(tx *expiry.Tx[board.ItemID, string]) bool {
		for _, id := range ids {
			if holder, held := tx.Get(id); held && holder != sessionID {
				return false
			}
		}
		for _, id := range ids {
			tx.Set(id, sessionID, t.ttl)
		}
		acquired = true
		return true
	})
	return acquired
}

// UnlockAll releases the subset of ids held by sessionID and returns them.
func (t *Table) UnlockAll(ids []board.ItemID, sessionID string) []board.ItemID {
	var released []board.ItemID
	t.locks.Update(func(tx *expiry.Tx[board.ItemID, string]) bool {
		for _, id := range ids {
			if holder, held := tx.Get(id); held && holder == sessionID {
				tx.Delete(id)
				released = append(released, id)
			}
		}
		return len(released) > 0
	})
	return released
}

// ReleaseSession drops every lock held by sessionID and returns how many were released.
func (t *Table) ReleaseSession(sessionID string) int {
	released := 0
	t.locks.Update(func(tx *expiry.Tx[board.ItemID, string]) bool {
		var owned []board.ItemID
		tx.Range(func(id board.ItemID, holder string) bool {
			if holder == sessionID {
				owned = append(owned, id)
			}
			return true
		})
		for _, id := range owned {
			tx.Delete(id)
		}
		released = len(owned)
		return released > 0
	})
	return released
}

// ReleaseItems drops the locks on ids whoever holds them and returns how many were released.
func (t *Table) ReleaseItems(ids []board.ItemID) int {
	released := 0
	t.locks.Update(func(tx *expiry.Tx[board.ItemID, string]) bool {
		for _, id := range ids {
			if _, held := tx.Get(id); held {
				tx.Delete(id)
				released++
			}
		}
		return released > 0
	})
	return released
}

// Snapshot copies the current lock state.
func (t *Table) Snapshot() map[board.ItemID]string {
	return t.locks.Snapshot()
}

// Close stops the expiry timer.
func (t *Table) Close() {
	t.locks.Close()
}
