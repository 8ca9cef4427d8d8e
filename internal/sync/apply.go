package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opApplierNew   = "sync.applier.new"
	opApplyBatch   = "sync.apply_batch"
	defaultMaxSize = 1000

	reasonInvalidMutation = "invalid_mutation"
	reasonInvalidPayload  = "invalid_payload"
	reasonWriteFailed     = "write_failed"
)

var (
	errMissingIDProvider = errors.New("id provider is required")
	// ErrBatchTooLarge indicates the push exceeds the configured mutation limit.
	ErrBatchTooLarge = errors.New("sync: mutation batch exceeds configured limit")
)

// ApplierConfig configures the batch applier.
type ApplierConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Policy       ConflictPolicy
	MaxBatchSize int
	Logger       *zap.Logger
}

// Applier applies client-submitted mutation batches against the authoritative
// store. Each entity-type group runs in its own transaction; a failing
// mutation is recorded in the result list and never aborts its group.
type Applier struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	policy       ConflictPolicy
	maxBatchSize int
	logger       *zap.Logger
}

// NewApplier constructs an applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opApplierNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opApplierNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyLastWriteWins
	}
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		policy:       policy,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}, nil
}

// BatchResult aggregates per-mutation outcomes by entity type.
type BatchResult struct {
	Results map[EntityType][]MutationResult
}

// HasRejections reports whether any mutation was rejected.
func (r BatchResult) HasRejections() bool {
	for _, group := range r.Results {
		for _, result := range group {
			if result.Status == MutationStatusRejected {
				return true
			}
		}
	}
	return false
}

// Apply processes the batch. Cross-entity-type atomicity is not guaranteed:
// each type group commits independently and partial success is reported in the
// returned results. The error return is reserved for systemic failures.
func (a *Applier) Apply(ctx context.Context, tenantID TenantID, clientID ClientID, batch MutationBatch) (BatchResult, error) {
	if tenantID.String() == "" {
		return BatchResult{}, newServiceError(opApplyBatch, "missing_tenant", errMissingTenant)
	}
	if batch.Size() > a.maxBatchSize {
		return BatchResult{}, newServiceError(opApplyBatch, "batch_too_large", ErrBatchTooLarge)
	}

	result := BatchResult{Results: make(map[EntityType][]MutationResult, len(batch.Mutations))}
	for _, entityType := range EntityTypes() {
		mutations, ok := batch.Mutations[entityType]
		if !ok || len(mutations) == 0 {
			continue
		}
		groupResults, err := a.applyGroup(ctx, tenantID, clientID, entityType, mutations)
		if err != nil {
			a.logger.Error("mutation group failed",
				zap.String("organization_id", tenantID.String()),
				zap.String("client_id", clientID.String()),
				zap.String("entity_type", string(entityType)),
				zap.Error(err))
			return result, err
		}
		result.Results[entityType] = groupResults
	}
	return result, nil
}

func (a *Applier) applyGroup(ctx context.Context, tenantID TenantID, clientID ClientID, entityType EntityType, mutations []Mutation) ([]MutationResult, error) {
	desc, err := descriptorFor(entityType)
	if err != nil {
		return nil, newServiceError(opApplyBatch, "unknown_entity_type", err)
	}

	results := make([]MutationResult, 0, len(mutations))
	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, mutation := range mutations {
			if mutation.ID == "" {
				results = append(results, MutationResult{
					ID:     mutation.ID,
					Status: MutationStatusRejected,
					Reason: reasonInvalidMutation,
				})
				continue
			}

			existing := desc.newRecord()
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("organization_id = ? AND id = ?", tenantID.String(), mutation.ID).
				Take(existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				existing = nil
			} else if err != nil {
				return newServiceError(opApplyBatch, "select_failed", err)
			}

			now := MillisOf(a.clock().UTC())
			outcome := a.applyMutation(tx, desc, tenantID, mutation, existing, now)
			if outcome.Status == MutationStatusApplied {
				if err := a.recordChange(tx, tenantID, clientID, entityType, mutation, outcome, now); err != nil {
					return err
				}
			}
			results = append(results, outcome)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return results, nil
}

func (a *Applier) applyMutation(tx *gorm.DB, desc entityDescriptor, tenantID TenantID, mutation Mutation, existing Record, now EpochMillis) MutationResult {
	switch mutation.Op {
	case OperationTypeCreate:
		decision := resolveCreate(existing)
		if decision.status != MutationStatusApplied {
			return MutationResult{ID: mutation.ID, Status: decision.status, Reason: decision.reason}
		}
		return a.insertRecord(tx, desc, tenantID, mutation, now)

	case OperationTypeUpdate:
		decision := resolveUpdate(existing, mutation, a.policy)
		if decision.status != MutationStatusApplied {
			return MutationResult{ID: mutation.ID, Status: decision.status, Reason: decision.reason, Current: existing}
		}
		if decision.applyAsCreate {
			return a.insertRecord(tx, desc, tenantID, mutation, now)
		}
		return a.overwriteRecord(tx, mutation, existing, now)

	case OperationTypeDelete:
		decision := resolveDelete(existing)
		if decision.status != MutationStatusApplied {
			return MutationResult{ID: mutation.ID, Status: decision.status, Reason: decision.reason}
		}
		createdAt, _ := existing.Stamps()
		existing.SetStamps(createdAt, now)
		existing.SetTombstone(true, now)
		if err := tx.Save(existing).Error; err != nil {
			return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonWriteFailed}
		}
		return MutationResult{ID: mutation.ID, Status: MutationStatusApplied}

	case OperationTypeUndelete:
		decision := resolveUndelete(existing)
		if decision.status != MutationStatusApplied {
			return MutationResult{ID: mutation.ID, Status: decision.status, Reason: decision.reason}
		}
		return a.overwriteRecord(tx, mutation, existing, now)

	default:
		return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonInvalidMutation}
	}
}

func (a *Applier) insertRecord(tx *gorm.DB, desc entityDescriptor, tenantID TenantID, mutation Mutation, now EpochMillis) MutationResult {
	record := desc.newRecord()
	if len(mutation.Body) > 0 {
		if err := json.Unmarshal(mutation.Body, record); err != nil {
			return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonInvalidPayload}
		}
	}
	record.SetRecordID(mutation.ID)
	record.SetTenant(tenantID.String())
	record.SetStamps(now, now)
	record.SetTombstone(false, 0)
	if err := tx.Create(record).Error; err != nil {
		// A primary-key collision here means the id is in use outside this
		// tenant's scope; surfaced as a rejection, never applied elsewhere.
		return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonWriteFailed}
	}
	return MutationResult{ID: mutation.ID, Status: MutationStatusApplied}
}

func (a *Applier) overwriteRecord(tx *gorm.DB, mutation Mutation, existing Record, now EpochMillis) MutationResult {
	recordID := existing.RecordID()
	tenant := existing.Tenant()
	createdAt, _ := existing.Stamps()
	if len(mutation.Body) > 0 {
		if err := json.Unmarshal(mutation.Body, existing); err != nil {
			return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonInvalidPayload}
		}
	}
	existing.SetRecordID(recordID)
	existing.SetTenant(tenant)
	existing.SetStamps(createdAt, now)
	existing.SetTombstone(false, 0)
	if err := tx.Save(existing).Error; err != nil {
		return MutationResult{ID: mutation.ID, Status: MutationStatusRejected, Reason: reasonWriteFailed}
	}
	return MutationResult{ID: mutation.ID, Status: MutationStatusApplied}
}

func (a *Applier) recordChange(tx *gorm.DB, tenantID TenantID, clientID ClientID, entityType EntityType, mutation Mutation, outcome MutationResult, now EpochMillis) error {
	changeID, err := a.idProvider.NewID()
	if err != nil {
		return newServiceError(opApplyBatch, "id_generation_failed", err)
	}
	payload := "{}"
	if len(mutation.Body) > 0 {
		payload = string(mutation.Body)
	}
	change := SyncChange{
		ChangeID:        changeID,
		OrganizationID:  tenantID.String(),
		ClientID:        clientID.String(),
		EntityType:      string(entityType),
		EntityID:        mutation.ID,
		Operation:       mutation.Op,
		Status:          outcome.Status,
		AppliedAtMillis: now.Int64(),
		PayloadJSON:     payload,
	}
	if err := tx.Create(&change).Error; err != nil {
		return newServiceError(opApplyBatch, "audit_insert_failed", err)
	}
	return nil
}
