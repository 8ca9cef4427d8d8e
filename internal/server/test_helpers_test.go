package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/harborline/fieldsync/internal/auth"
	"github.com/harborline/fieldsync/internal/database"
	"github.com/harborline/fieldsync/internal/sync"
)

const testSigningSecret = "router-test-secret"

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
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestIssuer() *auth.TokenIssuer {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "fieldsync-auth",
		Audience:      "fieldsync-api",
	})
}

func newTestHandler(t *testing.T, db *gorm.DB, policy sync.ConflictPolicy, clockMillis int64) (http.Handler, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := func() time.Time { return time.UnixMilli(clockMillis).UTC() }
	watermarks, err := sync.NewWatermarkStore(sync.WatermarkStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build watermark store: %v", err)
	}
	feed, err := sync.NewFeedReader(sync.FeedReaderConfig{Database: db, PageSize: 100})
	if err != nil {
		t.Fatalf("failed to build feed reader: %v", err)
	}
	applier, err := sync.NewApplier(sync.ApplierConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: sync.NewUUIDProvider(),
		Policy:     policy,
	})
	if err != nil {
		t.Fatalf("failed to build applier: %v", err)
	}
	coordinator, err := sync.NewCoordinator(sync.CoordinatorConfig{
		Feed:       feed,
		Applier:    applier,
		Watermarks: watermarks,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	issuer := newTestIssuer()
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		Coordinator:    coordinator,
		Realtime:       NewRealtimeDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler, issuer
}

func bearerToken(t *testing.T, issuer *auth.TokenIssuer, organizationID, deviceID string) string {
	t.Helper()
	token, _, err := issuer.IssueSyncToken(context.Background(), "tech-1", organizationID, deviceID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return "Bearer " + token
}
