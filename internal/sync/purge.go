package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPurgerNew = "sync.purger.new"
	opPurge     = "sync.purge_tombstones"
)

// PurgerConfig configures the tombstone retention sweeper.
type PurgerConfig struct {
	Database  *gorm.DB
	Retention time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Purger removes tombstones older than the retention window. A client silent
// longer than the window can no longer learn of those deletes incrementally
// and must resync from epoch.
type Purger struct {
	db        *gorm.DB
	retention time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

const defaultRetention = 30 * 24 * time.Hour

// NewPurger constructs a purger.
func NewPurger(cfg PurgerConfig) (*Purger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opPurgerNew, "missing_database", errMissingDatabase)
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{db: cfg.Database, retention: retention, clock: clock, logger: logger}, nil
}

// PurgeExpired hard-deletes tombstones whose deleted_at fell out of the
// retention window, across all tenants. Returns the number of rows removed.
func (p *Purger) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := MillisOf(p.clock().UTC().Add(-p.retention))
	var total int64
	for _, entityType := range EntityTypes() {
		desc, err := descriptorFor(entityType)
		if err != nil {
			return total, newServiceError(opPurge, "unknown_entity_type", err)
		}
		result := p.db.WithContext(ctx).
			Where("is_deleted = ? AND deleted_at_ms > 0 AND deleted_at_ms < ?", true, cutoff.Int64()).
			Delete(desc.model)
		if result.Error != nil {
			return total, newServiceError(opPurge, "delete_failed", result.Error)
		}
		total += result.RowsAffected
	}
	if total > 0 {
		p.logger.Info("tombstones purged", zap.Int64("rows", total))
	}
	return total, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (p *Purger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PurgeExpired(ctx); err != nil {
				p.logger.Error("tombstone purge failed", zap.Error(err))
			}
		}
	}
}
