// Package claim defines the core data model of the engine: claims, their
// identifiers, and the relation edges between them.
package claim

import (
	"fmt"
	"time"
)

// TenantID identifies the tenant a claim belongs to. Every claim belongs to
// exactly one tenant and cross-tenant relation edges are never created.
type TenantID string

// ID is the engine-wide stable identifier of a claim. IDs are assigned
// monotonically at ingestion and never reused.
type ID uint64

// Sequence is a per-tenant ingestion sequence number. Within one tenant
// partition sequences are strictly increasing and gap-free.
type Sequence uint64

// LocalID is a dense, partition-local row identifier for a claim.
// It is the claim's position in the partition arena and is used by all
// hot-path structures (graph adjacency, bitmaps, heaps).
type LocalID uint32

// MaxLocalID is the maximum possible value for a LocalID.
const MaxLocalID = ^LocalID(0)

// RelationKind describes how one claim relates to another.
type RelationKind uint8

const (
	// RelationSupports marks the source claim as supporting the target.
	RelationSupports RelationKind = iota + 1
	// RelationContradicts marks the source claim as contradicting the target.
	RelationContradicts
)

func (k RelationKind) String() string {
	switch k {
	case RelationSupports:
		return "supports"
	case RelationContradicts:
		return "contradicts"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Relation is a directed edge from the owning claim to Target.
type Relation struct {
	Kind   RelationKind `json:"kind"`
	Target ID           `json:"target"`
}

// Claim is the atomic unit of evidence.
//
// EventTime is only meaningful when HasEventTime is true; unknown event-time
// is an explicit state, not a zero value. Claims are never mutated in place:
// corrections are new claims plus relation edges.
type Claim struct {
	ID        ID         `json:"id"`
	Tenant    TenantID   `json:"tenant"`
	Content   string     `json:"content"`
	Embedding []float32  `json:"embedding"`
	Entities  []string   `json:"entities,omitempty"`
	EventTime time.Time  `json:"event_time"`
	// HasEventTime reports whether EventTime carries a known value.
	HasEventTime bool       `json:"has_event_time"`
	Sequence     Sequence   `json:"sequence"`
	Relations    []Relation `json:"relations,omitempty"`
}
