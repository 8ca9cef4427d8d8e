package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestApplyCreateInsertsWithServerStamps(t *testing.T) {
	db := newTestDB(t)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	body := jobBody(t, "j1", "install heat pump", map[string]any{
		"createdAt": 1, "updatedAt": 2,
	})
	result := applyJobs(t, applier, tenant, client, Mutation{Op: OperationTypeCreate, ID: "j1", Body: body})

	outcome := singleJobResult(t, result)
	if outcome.Status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s (%s)", outcome.Status, outcome.Reason)
	}
	job := loadJob(t, db, "org-1", "j1")
	if job.Title != "install heat pump" {
		t.Fatalf("unexpected title %q", job.Title)
	}
	if job.CreatedAtMillis != 9000 || job.UpdatedAtMillis != 9000 {
		t.Fatalf("client timestamps must be discarded, got created=%d updated=%d", job.CreatedAtMillis, job.UpdatedAtMillis)
	}
}

func TestApplyCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")
	mutation := Mutation{Op: OperationTypeCreate, ID: "j1", Body: jobBody(t, "j1", "first", nil)}

	first := singleJobResult(t, applyJobs(t, applier, tenant, client, mutation))
	if first.Status != MutationStatusApplied {
		t.Fatalf("expected first create applied, got %s", first.Status)
	}

	retry := singleJobResult(t, applyJobs(t, applier, tenant, client, mutation))
	if retry.Status != MutationStatusSkipped {
		t.Fatalf("expected retried create skipped, got %s", retry.Status)
	}
	if count := countJobs(t, db, "org-1"); count != 1 {
		t.Fatalf("expected exactly one row after retry, got %d", count)
	}
}

func TestApplyUpdateOverwritesUnderLastWriteWins(t *testing.T) {
	db := newTestDB(t)
	seedJob(t, db, "org-1", "j1", "original", 1000, 2000)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	body := jobBody(t, "j1", "rescheduled", map[string]any{"updatedAt": 1500})
	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeUpdate, ID: "j1", Body: body, BaseUpdatedAt: 1500}))
	if outcome.Status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s (%s)", outcome.Status, outcome.Reason)
	}

	job := loadJob(t, db, "org-1", "j1")
	if job.Title != "rescheduled" {
		t.Fatalf("expected overwrite, got %q", job.Title)
	}
	if job.UpdatedAtMillis != 9000 {
		t.Fatalf("expected server-stamped updated_at, got %d", job.UpdatedAtMillis)
	}
	if job.CreatedAtMillis != 1000 {
		t.Fatalf("created_at must be preserved, got %d", job.CreatedAtMillis)
	}
}

func TestApplyUpdateRejectsStaleBaseUnderStrictPolicy(t *testing.T) {
	db := newTestDB(t)
	seedJob(t, db, "org-1", "j1", "original", 1000, 2000)
	applier := newTestApplier(t, db, PolicyRejectOnMismatch, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeUpdate, ID: "j1", Body: jobBody(t, "j1", "mine", nil), BaseUpdatedAt: 1500}))
	if outcome.Status != MutationStatusRejected {
		t.Fatalf("expected rejected, got %s", outcome.Status)
	}
	if outcome.Reason != reasonStaleBase {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
	if outcome.Current == nil || outcome.Current.RecordID() != "j1" {
		t.Fatalf("rejection must carry the server's current record")
	}

	job := loadJob(t, db, "org-1", "j1")
	if job.Title != "original" {
		t.Fatalf("stored row must be untouched, got %q", job.Title)
	}
}

func TestApplyUpdateUpsertsUnknownRow(t *testing.T) {
	db := newTestDB(t)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeUpdate, ID: "j9", Body: jobBody(t, "j9", "born as update", nil)}))
	if outcome.Status != MutationStatusApplied {
		t.Fatalf("expected upsert, got %s (%s)", outcome.Status, outcome.Reason)
	}
	job := loadJob(t, db, "org-1", "j9")
	if job.CreatedAtMillis != 9000 {
		t.Fatalf("expected server-assigned created_at, got %d", job.CreatedAtMillis)
	}
}

func TestApplyUpdateNeverResurrectsTombstone(t *testing.T) {
	db := newTestDB(t)
	seedTombstonedJob(t, db, "org-1", "j1", 1000, 5000)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeUpdate, ID: "j1", Body: jobBody(t, "j1", "zombie", nil)}))
	if outcome.Status != MutationStatusRejected {
		t.Fatalf("expected rejected, got %s", outcome.Status)
	}
	if outcome.Reason != reasonDeleted {
		t.Fatalf("unexpected reason %q", outcome.Reason)
	}
}

func TestApplyUndeleteClearsTombstone(t *testing.T) {
	db := newTestDB(t)
	seedTombstonedJob(t, db, "org-1", "j1", 1000, 5000)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeUndelete, ID: "j1", Body: jobBody(t, "j1", "restored", nil)}))
	if outcome.Status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s (%s)", outcome.Status, outcome.Reason)
	}
	job := loadJob(t, db, "org-1", "j1")
	if job.IsDeleted {
		t.Fatalf("expected tombstone cleared")
	}
	if job.Title != "restored" {
		t.Fatalf("expected payload merged on undelete, got %q", job.Title)
	}
}

func TestApplyDeleteTombstones(t *testing.T) {
	db := newTestDB(t)
	seedJob(t, db, "org-1", "j1", "doomed", 1000, 2000)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	outcome := singleJobResult(t, applyJobs(t, applier, tenant, client, Mutation{Op: OperationTypeDelete, ID: "j1"}))
	if outcome.Status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s", outcome.Status)
	}

	job := loadJob(t, db, "org-1", "j1")
	if !job.IsDeleted || job.DeletedAtMillis != 9000 {
		t.Fatalf("expected tombstone at 9000, got deleted=%v at=%d", job.IsDeleted, job.DeletedAtMillis)
	}

	// Repeating the delete and deleting a missing id are both no-ops.
	repeat := singleJobResult(t, applyJobs(t, applier, tenant, client, Mutation{Op: OperationTypeDelete, ID: "j1"}))
	if repeat.Status != MutationStatusSkipped {
		t.Fatalf("expected repeated delete skipped, got %s", repeat.Status)
	}
	missing := singleJobResult(t, applyJobs(t, applier, tenant, client, Mutation{Op: OperationTypeDelete, ID: "ghost"}))
	if missing.Status != MutationStatusSkipped {
		t.Fatalf("expected delete of missing id skipped, got %s", missing.Status)
	}
}

func TestApplyScopesMutationsToTenant(t *testing.T) {
	db := newTestDB(t)
	seedJob(t, db, "org-2", "j1", "theirs", 1000, 2000)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	client := mustClientID(t, "device-1")

	// org-1 deleting org-2's row sees "not found", and the row is untouched.
	outcome := singleJobResult(t, applyJobs(t, applier, mustTenantID(t, "org-1"), client,
		Mutation{Op: OperationTypeDelete, ID: "j1"}))
	if outcome.Status != MutationStatusSkipped || outcome.Reason != reasonNotFound {
		t.Fatalf("expected cross-tenant delete to read as not found, got %s (%s)", outcome.Status, outcome.Reason)
	}
	other := loadJob(t, db, "org-2", "j1")
	if other.IsDeleted {
		t.Fatalf("cross-tenant mutation must never apply")
	}
}

func TestApplyMalformedMutationDoesNotAbortBatch(t *testing.T) {
	db := newTestDB(t)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-1")

	result := applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeCreate, ID: "j-bad", Body: json.RawMessage(`{"title":`)},
		Mutation{Op: OperationTypeCreate, ID: "j-good", Body: jobBody(t, "j-good", "fine", nil)},
	)
	group := result.Results[EntityTypeJobs]
	if len(group) != 2 {
		t.Fatalf("expected 2 results, got %d", len(group))
	}
	if group[0].Status != MutationStatusRejected || group[0].Reason != reasonInvalidPayload {
		t.Fatalf("expected malformed payload rejected, got %s (%s)", group[0].Status, group[0].Reason)
	}
	if group[1].Status != MutationStatusApplied {
		t.Fatalf("expected following mutation applied, got %s", group[1].Status)
	}
}

func TestApplyRejectsOversizedBatch(t *testing.T) {
	db := newTestDB(t)
	applier, err := NewApplier(ApplierConfig{
		Database:     db,
		Clock:        fixedClock(9000),
		IDProvider:   NewUUIDProvider(),
		MaxBatchSize: 1,
	})
	if err != nil {
		t.Fatalf("failed to build applier: %v", err)
	}

	_, err = applier.Apply(context.Background(), mustTenantID(t, "org-1"), mustClientID(t, "device-1"), MutationBatch{
		Mutations: map[EntityType][]Mutation{EntityTypeJobs: {
			{Op: OperationTypeDelete, ID: "a"},
			{Op: OperationTypeDelete, ID: "b"},
		}},
	})
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestApplyWritesAuditTrail(t *testing.T) {
	db := newTestDB(t)
	applier := newTestApplier(t, db, PolicyLastWriteWins, 9000)
	tenant := mustTenantID(t, "org-1")
	client := mustClientID(t, "device-7")

	applyJobs(t, applier, tenant, client,
		Mutation{Op: OperationTypeCreate, ID: "j1", Body: jobBody(t, "j1", "install", nil)},
		Mutation{Op: OperationTypeDelete, ID: "missing"},
	)

	var changes []SyncChange
	if err := db.Order("applied_at_ms ASC").Find(&changes).Error; err != nil {
		t.Fatalf("failed to load audit rows: %v", err)
	}
	// Only applied mutations leave audit records.
	if len(changes) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(changes))
	}
	change := changes[0]
	if change.EntityID != "j1" || change.Operation != OperationTypeCreate || change.ClientID != "device-7" {
		t.Fatalf("unexpected audit row %+v", change)
	}
	if change.OrganizationID != "org-1" {
		t.Fatalf("audit row must carry tenant scope, got %q", change.OrganizationID)
	}
}
