package claim

import (
	"fmt"
	"sync"
)

// Arena is the in-memory claim store of one tenant partition. Claims are
// kept in an append-only slice indexed by LocalID; deletion is a logical
// tombstone carrying the sequence it was applied at, so the set of claims
// live at any past sequence boundary stays reconstructible while appends
// continue above it.
//
// Arena is safe for concurrent use: one writer, many readers.
type Arena struct {
	mu        sync.RWMutex
	claims    []Claim
	tombstone []Sequence // 0 = live, else sequence of the tombstone record
	byID      map[ID]LocalID
	liveCount int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		byID: make(map[ID]LocalID),
	}
}

// Insert appends a claim and returns its assigned LocalID.
// The claim id must not already be present.
func (a *Arena) Insert(c Claim) (LocalID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byID[c.ID]; ok {
		return 0, fmt.Errorf("claim %d already present", c.ID)
	}
	if len(a.claims) >= int(MaxLocalID) {
		return 0, fmt.Errorf("arena full: %d rows", len(a.claims))
	}

	local := LocalID(len(a.claims))
	a.claims = append(a.claims, c)
	a.tombstone = append(a.tombstone, 0)
	a.byID[c.ID] = local
	a.liveCount++

	return local, nil
}

// Tombstone marks the claim as logically deleted at the given sequence.
// Tombstoning an already dead claim is a no-op.
func (a *Arena) Tombstone(id ID, seq Sequence) (LocalID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	local, ok := a.byID[id]
	if !ok {
		return 0, fmt.Errorf("claim %d not present", id)
	}
	if a.tombstone[local] == 0 {
		a.tombstone[local] = seq
		a.liveCount--
	}

	return local, nil
}

// Get returns a copy of the live claim with the given id.
func (a *Arena) Get(id ID) (Claim, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	local, ok := a.byID[id]
	if !ok || a.tombstone[local] != 0 {
		return Claim{}, false
	}

	return a.claims[local], true
}

// Lookup resolves a claim id to its LocalID, dead or alive.
func (a *Arena) Lookup(id ID) (LocalID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	local, ok := a.byID[id]
	return local, ok
}

// ByLocal returns a copy of the claim at the given row, dead or alive.
func (a *Arena) ByLocal(local LocalID) (Claim, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if int(local) >= len(a.claims) {
		return Claim{}, false
	}

	return a.claims[local], true
}

// Live reports whether the claim at the given row is live now.
func (a *Arena) Live(local LocalID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return int(local) < len(a.claims) && a.tombstone[local] == 0
}

// LiveAt reports whether the claim at the given row was live at the given
// sequence boundary: inserted at or before it and not tombstoned at or
// before it. Used by checkpoint to materialize a past-consistent view while
// appends continue above the boundary.
func (a *Arena) LiveAt(local LocalID, boundary Sequence) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if int(local) >= len(a.claims) {
		return false
	}
	if a.claims[local].Sequence > boundary {
		return false
	}
	ts := a.tombstone[local]

	return ts == 0 || ts > boundary
}

// Len returns the total number of rows, tombstoned ones included.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return len(a.claims)
}

// LiveLen returns the number of live claims.
func (a *Arena) LiveLen() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.liveCount
}

// Range calls fn for every live row in LocalID order until fn returns false.
// The claim pointer is only valid during the call; fn must not call back
// into the arena.
func (a *Arena) Range(fn func(local LocalID, c *Claim) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.claims {
		if a.tombstone[i] != 0 {
			continue
		}
		if !fn(LocalID(i), &a.claims[i]) {
			return
		}
	}
}

// RangeAt is Range restricted to rows live at the given sequence boundary.
func (a *Arena) RangeAt(boundary Sequence, fn func(local LocalID, c *Claim) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := range a.claims {
		if a.claims[i].Sequence > boundary {
			continue
		}
		if ts := a.tombstone[i]; ts != 0 && ts <= boundary {
			continue
		}
		if !fn(LocalID(i), &a.claims[i]) {
			return
		}
	}
}
