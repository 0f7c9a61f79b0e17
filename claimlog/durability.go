package claimlog

import (
	"fmt"
	"time"
)

// DurabilityPolicy controls when appended records reach stable storage.
//
// The safe default syncs on every append. Batched syncing trades a bounded
// loss window for throughput and must be requested explicitly: the caller has
// to acknowledge the relaxation AND bound the window in time. Unacknowledged
// or unbounded relaxations are refused at construction, never silently
// accepted.
type DurabilityPolicy struct {
	// SyncEveryN syncs after every N appended records. 1 means strict:
	// flush and fsync before Append returns.
	SyncEveryN int

	// AppendBufferDepth is the number of encoded records buffered in memory
	// before they are flushed to the OS. 0 or 1 flushes every append.
	AppendBufferDepth int

	// MaxUnsyncedDuration bounds how long an appended record may remain
	// unsynced. Required (> 0) whenever SyncEveryN > 1.
	MaxUnsyncedDuration time.Duration

	// AckRelaxed is the explicit acknowledgment that batched syncing and its
	// loss window (at most the last SyncEveryN-1 records or
	// MaxUnsyncedDuration of appends, whichever is smaller) are acceptable.
	AckRelaxed bool
}

// DefaultDurabilityPolicy returns the strict policy: every append is synced
// before it is acknowledged.
func DefaultDurabilityPolicy() DurabilityPolicy {
	return DurabilityPolicy{
		SyncEveryN:        1,
		AppendBufferDepth: 1,
	}
}

// Strict reports whether every append must be synced before returning.
func (p DurabilityPolicy) Strict() bool {
	return p.SyncEveryN <= 1
}

// Validate checks the policy for invalid or unsafe combinations.
func (p DurabilityPolicy) Validate() error {
	if p.SyncEveryN < 1 {
		return &UnsafeDurabilityConfigError{
			Reason: fmt.Sprintf("SyncEveryN must be >= 1, got %d", p.SyncEveryN),
		}
	}

	if p.AppendBufferDepth < 0 {
		return &UnsafeDurabilityConfigError{
			Reason: fmt.Sprintf("AppendBufferDepth must be >= 0, got %d", p.AppendBufferDepth),
		}
	}

	if p.MaxUnsyncedDuration < 0 {
		return &UnsafeDurabilityConfigError{
			Reason: fmt.Sprintf("MaxUnsyncedDuration must be >= 0, got %v", p.MaxUnsyncedDuration),
		}
	}

	if p.SyncEveryN > 1 {
		if !p.AckRelaxed {
			return &UnsafeDurabilityConfigError{
				Reason: "batched sync (SyncEveryN > 1) requires AckRelaxed",
			}
		}
		if p.MaxUnsyncedDuration <= 0 {
			return &UnsafeDurabilityConfigError{
				Reason: "batched sync (SyncEveryN > 1) requires MaxUnsyncedDuration > 0",
			}
		}
	}

	return nil
}

// UnsafeDurabilityConfigError is returned when a durability policy would
// create an unacknowledged or unbounded data-loss window.
type UnsafeDurabilityConfigError struct {
	Reason string
}

func (e *UnsafeDurabilityConfigError) Error() string {
	return fmt.Sprintf("claimlog: unsafe durability config: %s", e.Reason)
}
