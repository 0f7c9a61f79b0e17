package memgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/memgo/ann"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/segcache"
)

var (
	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrNotFound is returned when a claim id does not resolve to a live
	// claim in the tenant's partition.
	ErrNotFound = errors.New("claim not found")

	// ErrUnknownTenant is returned when an operation names a tenant that
	// has no partition.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrInvalidClaim is returned when an insert carries an unusable
	// claim: empty tenant, empty embedding, or a malformed relation.
	ErrInvalidClaim = errors.New("invalid claim")

	// ErrNoSnapshot is returned when an export or archive operation
	// needs a snapshot and the tenant has not been checkpointed yet.
	ErrNoSnapshot = errors.New("no snapshot")
)

// DimensionMismatchError indicates an embedding whose dimension does not
// match the tenant's index.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// CrossTenantRelationError indicates a relation edge naming a claim owned
// by a different tenant. The core refuses such edges as a guard against
// corruption; the tenant boundary itself is enforced outside the core.
type CrossTenantRelationError struct {
	Tenant claim.TenantID
	Target claim.ID
	Owner  claim.TenantID
}

func (e *CrossTenantRelationError) Error() string {
	return fmt.Sprintf("relation target %d belongs to tenant %q, not %q", e.Target, e.Owner, e.Tenant)
}

// IndexInconsistencyError reports a divergence between a partition's arena
// and one of its derived indexes. The partition keeps serving; RepairIndexes
// is the recovery path.
type IndexInconsistencyError struct {
	Tenant claim.TenantID
	Index  string
	Reason string
}

func (e *IndexInconsistencyError) Error() string {
	return fmt.Sprintf("tenant %q: %s index inconsistent: %s", e.Tenant, e.Index, e.Reason)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Closed unification across the inner packages.
	if errors.Is(err, claimlog.ErrClosed) || errors.Is(err, segcache.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	// Dimension normalization.
	var dm *ann.DimensionMismatchError
	if errors.As(err, &dm) {
		return &DimensionMismatchError{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	return err
}
