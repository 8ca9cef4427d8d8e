package sync

import "fmt"

// ConflictPolicy selects how concurrent updates to the same entity resolve.
type ConflictPolicy string

const (
	// PolicyLastWriteWins overwrites stored state with the incoming update;
	// the last push processed by the server wins.
	PolicyLastWriteWins ConflictPolicy = "last-write-wins"
	// PolicyRejectOnMismatch rejects updates whose base updated_at no longer
	// matches the stored row, returning the current record for re-merge.
	PolicyRejectOnMismatch ConflictPolicy = "reject-on-mismatch"
)

// ParseConflictPolicy validates a configured policy name.
func ParseConflictPolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(value) {
	case PolicyLastWriteWins, PolicyRejectOnMismatch:
		return ConflictPolicy(value), nil
	case "":
		return PolicyLastWriteWins, nil
	default:
		return "", fmt.Errorf("sync: unknown conflict policy %q", value)
	}
}

const (
	reasonAlreadyExists  = "already_exists"
	reasonAlreadyDeleted = "already_deleted"
	reasonNotFound       = "not_found"
	reasonDeleted        = "deleted"
	reasonStaleBase      = "stale_base"
	reasonNotDeleted     = "not_deleted"
)

type resolution struct {
	status        MutationStatus
	reason        string
	applyAsCreate bool
}

func resolveCreate(existing Record) resolution {
	if existing != nil {
		// Idempotency: the id has already been used in this tenant, so the
		// retry is a no-op whether the row is live or tombstoned.
		return resolution{status: MutationStatusSkipped, reason: reasonAlreadyExists}
	}
	return resolution{status: MutationStatusApplied}
}

func resolveUpdate(existing Record, mutation Mutation, policy ConflictPolicy) resolution {
	if existing == nil {
		// Unknown target: the feed's created/updated split is best-effort, so
		// clients may update rows the server never saw. Upsert.
		return resolution{status: MutationStatusApplied, applyAsCreate: true}
	}
	if deleted, _ := existing.Tombstone(); deleted {
		// Resurrecting a deleted record requires an explicit undelete.
		return resolution{status: MutationStatusRejected, reason: reasonDeleted}
	}
	if policy == PolicyRejectOnMismatch && mutation.BaseUpdatedAt > 0 {
		if _, updatedAt := existing.Stamps(); updatedAt != mutation.BaseUpdatedAt {
			return resolution{status: MutationStatusRejected, reason: reasonStaleBase}
		}
	}
	return resolution{status: MutationStatusApplied}
}

func resolveDelete(existing Record) resolution {
	if existing == nil {
		return resolution{status: MutationStatusSkipped, reason: reasonNotFound}
	}
	if deleted, _ := existing.Tombstone(); deleted {
		return resolution{status: MutationStatusSkipped, reason: reasonAlreadyDeleted}
	}
	return resolution{status: MutationStatusApplied}
}

func resolveUndelete(existing Record) resolution {
	if existing == nil {
		return resolution{status: MutationStatusSkipped, reason: reasonNotFound}
	}
	if deleted, _ := existing.Tombstone(); !deleted {
		return resolution{status: MutationStatusSkipped, reason: reasonNotDeleted}
	}
	return resolution{status: MutationStatusApplied}
}
