package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opWatermarkNew  = "sync.watermark.new"
	opWatermarkGet  = "sync.watermark.get"
	opWatermarkMark = "sync.watermark.mark_pending"
	opWatermarkAck  = "sync.watermark.ack"
)

var errMissingDatabase = errors.New("database handle is required")

// WatermarkStoreConfig configures the durable per-client watermark store.
type WatermarkStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// WatermarkStore persists the sync boundary per (tenant, client) pair.
// Watermarks are monotonically non-decreasing; a missing row reads as epoch.
type WatermarkStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewWatermarkStore constructs the store.
func NewWatermarkStore(cfg WatermarkStoreConfig) (*WatermarkStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opWatermarkNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatermarkStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the last acknowledged watermark for the client, or epoch when no
// sync has completed yet.
func (s *WatermarkStore) Get(ctx context.Context, tenantID TenantID, clientID ClientID) (EpochMillis, error) {
	var row Watermark
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND client_id = ?", tenantID.String(), clientID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newServiceError(opWatermarkGet, "query_failed", err)
	}
	return EpochMillis(row.LastAckedMillis), nil
}

// MarkPending records the timestamp handed out by a pull without advancing the
// acknowledged watermark. The advance is deferred until Ack so changes written
// while the client is offline are never skipped.
func (s *WatermarkStore) MarkPending(ctx context.Context, tenantID TenantID, clientID ClientID, issued EpochMillis) error {
	return s.upsert(ctx, opWatermarkMark, tenantID, clientID, func(row *Watermark) {
		if issued.Int64() > row.PendingMillis {
			row.PendingMillis = issued.Int64()
		}
	})
}

// Ack promotes the acknowledged watermark to the given timestamp. Regressions
// are ignored so the watermark stays monotonic under client retries, and the
// advance is capped at the pending stamp or the current clock, whichever is
// greater: a client can only ack boundaries the server could have handed out,
// never fast-forward past changes it has not seen.
func (s *WatermarkStore) Ack(ctx context.Context, tenantID TenantID, clientID ClientID, acked EpochMillis) error {
	return s.upsert(ctx, opWatermarkAck, tenantID, clientID, func(row *Watermark) {
		ceiling := s.clock().UTC().UnixMilli()
		if row.PendingMillis > ceiling {
			ceiling = row.PendingMillis
		}
		value := acked.Int64()
		if value > ceiling {
			value = ceiling
		}
		if value > row.LastAckedMillis {
			row.LastAckedMillis = value
		}
		if row.PendingMillis < row.LastAckedMillis {
			row.PendingMillis = row.LastAckedMillis
		}
	})
}

func (s *WatermarkStore) upsert(ctx context.Context, operation string, tenantID TenantID, clientID ClientID, mutate func(*Watermark)) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Watermark{
			OrganizationID: tenantID.String(),
			ClientID:       clientID.String(),
		}
		err := tx.Where("organization_id = ? AND client_id = ?", tenantID.String(), clientID.String()).
			Take(&row).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "query_failed", err)
		}
		mutate(&row)
		row.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		if err := tx.Save(&row).Error; err != nil {
			return newServiceError(operation, "save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("watermark write failed",
			zap.String("operation", operation),
			zap.String("organization_id", tenantID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(txErr))
	}
	return txErr
}
