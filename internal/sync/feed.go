package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opFeedNew     = "sync.feed.new"
	opFeedChanges = "sync.feed.changes"

	defaultPageSize = 500
)

var errMissingTenant = errors.New("tenant identifier is required")

// FeedReaderConfig configures the change feed reader.
type FeedReaderConfig struct {
	Database *gorm.DB
	PageSize int
	Logger   *zap.Logger
}

// FeedReader produces the ordered set of entity mutations that occurred after
// a watermark, scoped to one tenant. Every query is bounded by PageSize; a
// limited page signals the caller to resume from the last returned updated_at.
type FeedReader struct {
	db       *gorm.DB
	pageSize int
	logger   *zap.Logger
}

// NewFeedReader constructs a reader.
func NewFeedReader(cfg FeedReaderConfig) (*FeedReader, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opFeedNew, "missing_database", errMissingDatabase)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedReader{db: cfg.Database, pageSize: pageSize, logger: logger}, nil
}

// Changes returns creations, updates and deletions after the watermark for the
// requested entity types. The created/updated split uses the created_at
// heuristic: clients must upsert "updated" rows they have never seen.
func (r *FeedReader) Changes(ctx context.Context, tenantID TenantID, since EpochMillis, entityTypes []EntityType) (ChangeSet, error) {
	if tenantID.String() == "" {
		return nil, newServiceError(opFeedChanges, "missing_tenant", errMissingTenant)
	}
	if len(entityTypes) == 0 {
		entityTypes = EntityTypes()
	}

	changeSet := make(ChangeSet, len(entityTypes))
	for _, entityType := range entityTypes {
		changes, err := r.changesForType(ctx, tenantID, since, entityType)
		if err != nil {
			r.logger.Error("change feed query failed",
				zap.String("organization_id", tenantID.String()),
				zap.String("entity_type", string(entityType)),
				zap.Error(err))
			return nil, err
		}
		changeSet[entityType] = changes
	}
	return changeSet, nil
}

func (r *FeedReader) changesForType(ctx context.Context, tenantID TenantID, since EpochMillis, entityType EntityType) (EntityChanges, error) {
	desc, err := descriptorFor(entityType)
	if err != nil {
		return EntityChanges{}, newServiceError(opFeedChanges, "unknown_entity_type", err)
	}

	liveBase := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(desc.model).
			Where("organization_id = ? AND updated_at_ms > ? AND is_deleted = ?", tenantID.String(), since.Int64(), false)
	}
	rows, liveFloor, liveLimited, err := r.collectPage(desc, liveBase, "updated_at_ms", func(row Record) EpochMillis {
		_, updatedAt := row.Stamps()
		return updatedAt
	})
	if err != nil {
		return EntityChanges{}, newServiceError(opFeedChanges, "live_query_failed", err)
	}

	changes := EntityChanges{
		Created: make([]Record, 0, len(rows)),
		Updated: make([]Record, 0),
		Deleted: make([]string, 0),
	}
	for _, row := range rows {
		createdAt, _ := row.Stamps()
		if createdAt.Int64() > since.Int64() {
			changes.Created = append(changes.Created, row)
		} else {
			changes.Updated = append(changes.Updated, row)
		}
	}

	tombstoneBase := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(desc.model).
			Where("organization_id = ? AND is_deleted = ? AND deleted_at_ms > ?", tenantID.String(), true, since.Int64())
	}
	tombstones, tombstoneFloor, tombstoneLimited, err := r.collectPage(desc, tombstoneBase, "deleted_at_ms", func(row Record) EpochMillis {
		_, deletedAt := row.Tombstone()
		return deletedAt
	})
	if err != nil {
		return EntityChanges{}, newServiceError(opFeedChanges, "tombstone_query_failed", err)
	}
	for _, tombstone := range tombstones {
		changes.Deleted = append(changes.Deleted, tombstone.RecordID())
	}

	changes.Limited = liveLimited || tombstoneLimited
	changes.resumeFloor = resumeFloorOf(liveFloor, liveLimited, tombstoneFloor, tombstoneLimited)
	return changes, nil
}

// collectPage runs one bounded page of the query, ordered by stampColumn then
// id. Reading pageSize+1 rows distinguishes a truncated page from an exactly
// full one. A page that cuts inside rows sharing the boundary stamp is
// extended to the end of that tie group, so an exclusive resume from the
// returned floor cannot skip rows. The floor is zero when the page is complete.
func (r *FeedReader) collectPage(desc entityDescriptor, base func() *gorm.DB, stampColumn string, stampOf func(Record) EpochMillis) ([]Record, EpochMillis, bool, error) {
	rows, err := desc.collect(base().
		Order(stampColumn + " ASC, id ASC").
		Limit(r.pageSize + 1))
	if err != nil {
		return nil, 0, false, err
	}
	if len(rows) <= r.pageSize {
		return rows, 0, false, nil
	}

	rows = rows[:r.pageSize:r.pageSize]
	last := rows[len(rows)-1]
	floor := stampOf(last)
	ties, err := desc.collect(base().
		Where(stampColumn+" = ? AND id > ?", floor.Int64(), last.RecordID()).
		Order("id ASC"))
	if err != nil {
		return nil, 0, false, err
	}
	return append(rows, ties...), floor, true, nil
}

// resumeFloorOf picks the watermark a truncated pull resumes from. With both
// queries truncated the lower boundary wins; re-listing rows the other query
// already delivered is safe, skipping rows is not.
func resumeFloorOf(liveFloor EpochMillis, liveLimited bool, tombstoneFloor EpochMillis, tombstoneLimited bool) EpochMillis {
	switch {
	case liveLimited && tombstoneLimited:
		if tombstoneFloor < liveFloor {
			return tombstoneFloor
		}
		return liveFloor
	case liveLimited:
		return liveFloor
	case tombstoneLimited:
		return tombstoneFloor
	default:
		return 0
	}
}

// ResumeFloor returns the stamp of the last row a truncated page delivered,
// or zero when the page was complete. A client resuming with this floor
// re-reads nothing it is missing.
func (c EntityChanges) ResumeFloor() EpochMillis {
	return c.resumeFloor
}
