package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidDevice indicates the organization or device identifier is unusable.
var ErrInvalidDevice = errors.New("devices: invalid device identity")

// Device captures one known sync client within an organization.
type Device struct {
	OrganizationID    string `gorm:"column:organization_id;primaryKey;size:190;not null"`
	DeviceID          string `gorm:"column:device_id;primaryKey;size:190;not null"`
	Label             string `gorm:"column:label;size:320"`
	FirstSeenAtMillis int64  `gorm:"column:first_seen_at_ms;not null"`
	LastSeenAtMillis  int64  `gorm:"column:last_seen_at_ms;not null;index"`
}

// TableName exposes the table backing sync devices.
func (Device) TableName() string {
	return "sync_devices"
}

// RegistryConfig describes the dependencies of the device registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry tracks which devices have synced for each organization. Known
// pairs are cached so the hot path skips the insert.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewRegistry constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch records sync activity for the device, registering it on first contact.
func (r *Registry) Touch(ctx context.Context, organizationID, deviceID string) error {
	organizationID = strings.TrimSpace(organizationID)
	deviceID = strings.TrimSpace(deviceID)
	if organizationID == "" || deviceID == "" {
		return ErrInvalidDevice
	}

	nowMillis := r.now().UTC().UnixMilli()
	cacheKey := organizationID + ":" + deviceID
	if _, known := r.cache.Load(cacheKey); known {
		return r.db.WithContext(ctx).Model(&Device{}).
			Where("organization_id = ? AND device_id = ?", organizationID, deviceID).
			Update("last_seen_at_ms", nowMillis).Error
	}

	device := Device{
		OrganizationID:    organizationID,
		DeviceID:          deviceID,
		FirstSeenAtMillis: nowMillis,
		LastSeenAtMillis:  nowMillis,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "organization_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_seen_at_ms": nowMillis}),
	}).Create(&device).Error
	if err != nil {
		return err
	}
	r.cache.Store(cacheKey, struct{}{})
	return nil
}

// List returns every known device for the organization, most recent first.
func (r *Registry) List(ctx context.Context, organizationID string) ([]Device, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, ErrInvalidDevice
	}
	var rows []Device
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("last_seen_at_ms DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
