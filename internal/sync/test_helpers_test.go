package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	models := Models()
	models = append(models, &Watermark{}, &SyncChange{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func mustTenantID(t *testing.T, value string) TenantID {
	t.Helper()
	id, err := NewTenantID(value)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	return id
}

func mustClientID(t *testing.T, value string) ClientID {
	t.Helper()
	id, err := NewClientID(value)
	if err != nil {
		t.Fatalf("unexpected client id error: %v", err)
	}
	return id
}

func fixedClock(millis int64) func() time.Time {
	return func() time.Time {
		return time.UnixMilli(millis).UTC()
	}
}

func newTestApplier(t *testing.T, db *gorm.DB, policy ConflictPolicy, clockMillis int64) *Applier {
	t.Helper()
	applier, err := NewApplier(ApplierConfig{
		Database:   db,
		Clock:      fixedClock(clockMillis),
		IDProvider: NewUUIDProvider(),
		Policy:     policy,
	})
	if err != nil {
		t.Fatalf("failed to build applier: %v", err)
	}
	return applier
}

func seedJob(t *testing.T, db *gorm.DB, tenant, id, title string, createdMs, updatedMs int64) {
	t.Helper()
	job := Job{
		SyncFields: SyncFields{
			ID:              id,
			OrganizationID:  tenant,
			CreatedAtMillis: createdMs,
			UpdatedAtMillis: updatedMs,
		},
		Title:  title,
		Status: "scheduled",
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("failed to seed job %s: %v", id, err)
	}
}

func seedTombstonedJob(t *testing.T, db *gorm.DB, tenant, id string, createdMs, deletedMs int64) {
	t.Helper()
	job := Job{
		SyncFields: SyncFields{
			ID:              id,
			OrganizationID:  tenant,
			CreatedAtMillis: createdMs,
			UpdatedAtMillis: deletedMs,
			IsDeleted:       true,
			DeletedAtMillis: deletedMs,
		},
		Title:  "deleted",
		Status: "scheduled",
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("failed to seed tombstoned job %s: %v", id, err)
	}
}

func loadJob(t *testing.T, db *gorm.DB, tenant, id string) Job {
	t.Helper()
	var job Job
	err := db.Where("organization_id = ? AND id = ?", tenant, id).Take(&job).Error
	if err != nil {
		t.Fatalf("failed to load job %s: %v", id, err)
	}
	return job
}

func countJobs(t *testing.T, db *gorm.DB, tenant string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Job{}).Where("organization_id = ?", tenant).Count(&count).Error; err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	return count
}

func jobBody(t *testing.T, id, title string, extra map[string]any) json.RawMessage {
	t.Helper()
	body := map[string]any{"id": id, "title": title}
	for key, value := range extra {
		body[key] = value
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode job body: %v", err)
	}
	return encoded
}

func applyJobs(t *testing.T, applier *Applier, tenant TenantID, client ClientID, mutations ...Mutation) BatchResult {
	t.Helper()
	result, err := applier.Apply(context.Background(), tenant, client, MutationBatch{
		Mutations: map[EntityType][]Mutation{EntityTypeJobs: mutations},
	})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return result
}

func singleJobResult(t *testing.T, result BatchResult) MutationResult {
	t.Helper()
	group := result.Results[EntityTypeJobs]
	if len(group) != 1 {
		t.Fatalf("expected 1 job result, got %d", len(group))
	}
	return group[0]
}
