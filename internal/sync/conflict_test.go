package sync

import "testing"

func existingJob(updatedMs int64, deleted bool) *Job {
	job := &Job{
		SyncFields: SyncFields{
			ID:              "j1",
			OrganizationID:  "org-1",
			CreatedAtMillis: 1000,
			UpdatedAtMillis: updatedMs,
		},
		Title: "stored",
	}
	if deleted {
		job.IsDeleted = true
		job.DeletedAtMillis = updatedMs
	}
	return job
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  ConflictPolicy
		expectErr bool
	}{
		{name: "last write wins", input: "last-write-wins", expected: PolicyLastWriteWins},
		{name: "reject on mismatch", input: "reject-on-mismatch", expected: PolicyRejectOnMismatch},
		{name: "empty defaults to lww", input: "", expected: PolicyLastWriteWins},
		{name: "unknown rejected", input: "three-way-merge", expectErr: true},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			policy, err := ParseConflictPolicy(testCase.input)
			if testCase.expectErr {
				if err == nil {
					t.Fatalf("expected error for %q", testCase.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if policy != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, policy)
			}
		})
	}
}

func TestResolveCreateSkipsExisting(t *testing.T) {
	decision := resolveCreate(existingJob(2000, false))
	if decision.status != MutationStatusSkipped {
		t.Fatalf("expected skipped, got %s", decision.status)
	}
	if decision.reason != reasonAlreadyExists {
		t.Fatalf("unexpected reason %q", decision.reason)
	}
}

func TestResolveCreateSkipsTombstone(t *testing.T) {
	decision := resolveCreate(existingJob(2000, true))
	if decision.status != MutationStatusSkipped {
		t.Fatalf("expected skipped for tombstoned id, got %s", decision.status)
	}
}

func TestResolveCreateAppliesNew(t *testing.T) {
	decision := resolveCreate(nil)
	if decision.status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s", decision.status)
	}
}

func TestResolveUpdateUpsertsUnknownTarget(t *testing.T) {
	decision := resolveUpdate(nil, Mutation{ID: "j1", Op: OperationTypeUpdate}, PolicyLastWriteWins)
	if decision.status != MutationStatusApplied {
		t.Fatalf("expected applied, got %s", decision.status)
	}
	if !decision.applyAsCreate {
		t.Fatalf("expected unknown target to apply as create")
	}
}

func TestResolveUpdateRejectsTombstone(t *testing.T) {
	decision := resolveUpdate(existingJob(2000, true), Mutation{ID: "j1", Op: OperationTypeUpdate}, PolicyLastWriteWins)
	if decision.status != MutationStatusRejected {
		t.Fatalf("expected rejected, got %s", decision.status)
	}
	if decision.reason != reasonDeleted {
		t.Fatalf("unexpected reason %q", decision.reason)
	}
}

func TestResolveUpdateLastWriteWinsIgnoresBase(t *testing.T) {
	mutation := Mutation{ID: "j1", Op: OperationTypeUpdate, BaseUpdatedAt: 1500}
	decision := resolveUpdate(existingJob(2000, false), mutation, PolicyLastWriteWins)
	if decision.status != MutationStatusApplied {
		t.Fatalf("expected applied under last-write-wins, got %s", decision.status)
	}
}

func TestResolveUpdateRejectOnMismatch(t *testing.T) {
	mutation := Mutation{ID: "j1", Op: OperationTypeUpdate, BaseUpdatedAt: 1500}
	decision := resolveUpdate(existingJob(2000, false), mutation, PolicyRejectOnMismatch)
	if decision.status != MutationStatusRejected {
		t.Fatalf("expected rejected, got %s", decision.status)
	}
	if decision.reason != reasonStaleBase {
		t.Fatalf("unexpected reason %q", decision.reason)
	}
}

func TestResolveUpdateRejectOnMismatchAcceptsMatchingBase(t *testing.T) {
	mutation := Mutation{ID: "j1", Op: OperationTypeUpdate, BaseUpdatedAt: 2000}
	decision := resolveUpdate(existingJob(2000, false), mutation, PolicyRejectOnMismatch)
	if decision.status != MutationStatusApplied {
		t.Fatalf("expected applied with matching base, got %s", decision.status)
	}
}

func TestResolveUpdateRejectOnMismatchWithoutBase(t *testing.T) {
	// A client that never pulled the row has no base to offer; falls back to
	// overwrite rather than rejecting everything it touches.
	mutation := Mutation{ID: "j1", Op: OperationTypeUpdate}
	decision := resolveUpdate(existingJob(2000, false), mutation, PolicyRejectOnMismatch)
	if decision.status != MutationStatusApplied {
		t.Fatalf("expected applied without base, got %s", decision.status)
	}
}

func TestResolveDelete(t *testing.T) {
	tests := []struct {
		name     string
		existing *Job
		expected MutationStatus
		reason   string
	}{
		{name: "missing target is a no-op", existing: nil, expected: MutationStatusSkipped, reason: reasonNotFound},
		{name: "already deleted is a no-op", existing: existingJob(2000, true), expected: MutationStatusSkipped, reason: reasonAlreadyDeleted},
		{name: "live target applies", existing: existingJob(2000, false), expected: MutationStatusApplied},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			var existing Record
			if testCase.existing != nil {
				existing = testCase.existing
			}
			decision := resolveDelete(existing)
			if decision.status != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, decision.status)
			}
			if decision.reason != testCase.reason {
				t.Fatalf("expected reason %q, got %q", testCase.reason, decision.reason)
			}
		})
	}
}

func TestResolveUndelete(t *testing.T) {
	if decision := resolveUndelete(nil); decision.status != MutationStatusSkipped {
		t.Fatalf("expected skipped for missing target, got %s", decision.status)
	}
	if decision := resolveUndelete(existingJob(2000, false)); decision.status != MutationStatusSkipped {
		t.Fatalf("expected skipped for live target, got %s", decision.status)
	}
	if decision := resolveUndelete(existingJob(2000, true)); decision.status != MutationStatusApplied {
		t.Fatalf("expected applied for tombstoned target, got %s", decision.status)
	}
}
