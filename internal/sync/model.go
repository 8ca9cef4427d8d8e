package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OperationType enumerates the mutation kinds a client may submit.
type OperationType string

const (
	// OperationTypeCreate inserts a new entity with a client-generated id.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate modifies an existing entity.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete tombstones an entity.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeUndelete clears a tombstone; plain updates never resurrect.
	OperationTypeUndelete OperationType = "undelete"
)

// MutationStatus is the terminal disposition of a single mutation.
type MutationStatus string

const (
	// MutationStatusApplied means the mutation changed authoritative state.
	MutationStatusApplied MutationStatus = "applied"
	// MutationStatusSkipped means the mutation was an idempotent no-op.
	MutationStatusSkipped MutationStatus = "skipped"
	// MutationStatusRejected means the mutation was refused and must not be blindly retried.
	MutationStatusRejected MutationStatus = "rejected"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTenantID indicates that an organization identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("sync: invalid tenant id")
	// ErrInvalidClientID indicates that a client/device identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("sync: invalid client id")
	// ErrInvalidTimestamp indicates a negative epoch-milliseconds value.
	ErrInvalidTimestamp = errors.New("sync: invalid epoch milliseconds")
	// ErrUnknownEntityType indicates an entity type outside the sync registry.
	ErrUnknownEntityType = errors.New("sync: unknown entity type")
)

// TenantID represents a validated organization identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// ClientID represents a validated client/device identifier.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// EpochMillis is a unix timestamp in milliseconds. Zero means the epoch and
// forces a full resync when used as a watermark.
type EpochMillis int64

// NewEpochMillis validates the value and returns an EpochMillis.
func NewEpochMillis(value int64) (EpochMillis, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return EpochMillis(value), nil
}

// MillisOf converts a time.Time to EpochMillis.
func MillisOf(t time.Time) EpochMillis {
	return EpochMillis(t.UnixMilli())
}

// Int64 exposes the raw milliseconds value.
func (ts EpochMillis) Int64() int64 {
	return int64(ts)
}

// SyncFields carries the replication metadata every synced entity embeds.
// updated_at_ms and created_at_ms are server-assigned on every accepted write;
// client-supplied values are discarded so watermark comparisons stay sound.
type SyncFields struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	OrganizationID  string `gorm:"column:organization_id;size:190;not null;index" json:"organizationId"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAt"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index" json:"updatedAt"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false" json:"-"`
	DeletedAtMillis int64  `gorm:"column:deleted_at_ms;not null;default:0" json:"-"`
}

// RecordID returns the entity's primary key.
func (f *SyncFields) RecordID() string {
	return f.ID
}

// SetRecordID assigns the entity's primary key.
func (f *SyncFields) SetRecordID(id string) {
	f.ID = id
}

// Tenant returns the owning organization id.
func (f *SyncFields) Tenant() string {
	return f.OrganizationID
}

// SetTenant assigns the owning organization id.
func (f *SyncFields) SetTenant(tenant string) {
	f.OrganizationID = tenant
}

// Stamps returns server-assigned creation and update times.
func (f *SyncFields) Stamps() (createdAt, updatedAt EpochMillis) {
	return EpochMillis(f.CreatedAtMillis), EpochMillis(f.UpdatedAtMillis)
}

// SetStamps assigns the server-side timestamps.
func (f *SyncFields) SetStamps(createdAt, updatedAt EpochMillis) {
	f.CreatedAtMillis = createdAt.Int64()
	f.UpdatedAtMillis = updatedAt.Int64()
}

// Tombstone reports the soft-delete state.
func (f *SyncFields) Tombstone() (deleted bool, at EpochMillis) {
	return f.IsDeleted, EpochMillis(f.DeletedAtMillis)
}

// SetTombstone records or clears the soft-delete marker.
func (f *SyncFields) SetTombstone(deleted bool, at EpochMillis) {
	f.IsDeleted = deleted
	f.DeletedAtMillis = at.Int64()
}

// Record is implemented by every synced entity via an embedded SyncFields.
type Record interface {
	RecordID() string
	SetRecordID(id string)
	Tenant() string
	SetTenant(tenant string)
	Stamps() (createdAt, updatedAt EpochMillis)
	SetStamps(createdAt, updatedAt EpochMillis)
	Tombstone() (deleted bool, at EpochMillis)
	SetTombstone(deleted bool, at EpochMillis)
}

// Job is a unit of scheduled field work.
type Job struct {
	SyncFields
	CustomerID    string `gorm:"column:customer_id;size:64;index" json:"customerId,omitempty"`
	Title         string `gorm:"column:title;size:320;not null" json:"title"`
	Description   string `gorm:"column:description;type:text" json:"description,omitempty"`
	Status        string `gorm:"column:status;size:32;not null;default:'scheduled'" json:"status"`
	ScheduledAtMs int64  `gorm:"column:scheduled_at_ms" json:"scheduledAt,omitempty"`
	AssignedTo    string `gorm:"column:assigned_to;size:190" json:"assignedTo,omitempty"`
	Notes         string `gorm:"column:notes;type:text" json:"notes,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Job) TableName() string {
	return "jobs"
}

// Customer is a service recipient tracked per organization.
type Customer struct {
	SyncFields
	Name    string `gorm:"column:name;size:320;not null" json:"name"`
	Email   string `gorm:"column:email;size:320" json:"email,omitempty"`
	Phone   string `gorm:"column:phone;size:64" json:"phone,omitempty"`
	Address string `gorm:"column:address;type:text" json:"address,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Customer) TableName() string {
	return "customers"
}

// Product is an inventory or price-book item referenced by jobs.
type Product struct {
	SyncFields
	Name       string `gorm:"column:name;size:320;not null" json:"name"`
	SKU        string `gorm:"column:sku;size:64" json:"sku,omitempty"`
	PriceCents int64  `gorm:"column:price_cents;not null;default:0" json:"priceCents"`
	Unit       string `gorm:"column:unit;size:32" json:"unit,omitempty"`
	Stock      int64  `gorm:"column:stock;not null;default:0" json:"stock"`
}

// TableName provides the explicit table binding for GORM.
func (Product) TableName() string {
	return "products"
}

// Watermark persists, per client, the boundary of already-synced state.
// pending_ms is the timestamp handed out by the last pull; it is promoted to
// last_acked_ms only once the client acknowledges durable receipt.
type Watermark struct {
	OrganizationID  string `gorm:"column:organization_id;primaryKey;size:190;not null"`
	ClientID        string `gorm:"column:client_id;primaryKey;size:190;not null"`
	LastAckedMillis int64  `gorm:"column:last_acked_ms;not null;default:0"`
	PendingMillis   int64  `gorm:"column:pending_ms;not null;default:0"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "sync_watermarks"
}

// SyncChange captures an append-only audit trail for applied mutations.
type SyncChange struct {
	ChangeID        string         `gorm:"column:change_id;primaryKey;size:64;not null"`
	OrganizationID  string         `gorm:"column:organization_id;size:190;not null;index"`
	ClientID        string         `gorm:"column:client_id;size:190;not null"`
	EntityType      string         `gorm:"column:entity_type;size:32;not null"`
	EntityID        string         `gorm:"column:entity_id;size:64;not null"`
	Operation       OperationType  `gorm:"column:op;size:16;not null"`
	Status          MutationStatus `gorm:"column:status;size:16;not null"`
	AppliedAtMillis int64          `gorm:"column:applied_at_ms;not null;index"`
	PayloadJSON     string         `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncChange) TableName() string {
	return "sync_changes"
}

// Mutation is a single client-submitted change against one entity.
// BaseUpdatedAt is the updated_at value the client last observed; it is only
// consulted under the reject-on-mismatch conflict policy.
type Mutation struct {
	Op            OperationType
	ID            string
	Body          json.RawMessage
	BaseUpdatedAt EpochMillis
}

// MutationBatch groups mutations by entity type for one push cycle.
type MutationBatch struct {
	Mutations    map[EntityType][]Mutation
	LastPulledAt EpochMillis
}

// Size returns the total mutation count across entity types.
func (b MutationBatch) Size() int {
	total := 0
	for _, group := range b.Mutations {
		total += len(group)
	}
	return total
}

// MutationResult reports the disposition of one mutation back to the client.
// Current carries the server's record when a conflict rejection needs the
// client to re-merge.
type MutationResult struct {
	ID      string         `json:"id"`
	Status  MutationStatus `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Current Record         `json:"current,omitempty"`
}

// EntityChanges is the per-type slice of a pull response. When Limited is set
// the feed truncated at least one of its queries and resumeFloor carries the
// boundary stamp the next pull must start from.
type EntityChanges struct {
	Created []Record `json:"created"`
	Updated []Record `json:"updated"`
	Deleted []string `json:"deleted"`
	Limited bool     `json:"-"`

	resumeFloor EpochMillis
}

// ChangeSet maps entity types to their changes since a watermark. It is built
// fresh per pull and never persisted.
type ChangeSet map[EntityType]EntityChanges
