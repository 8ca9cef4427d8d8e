package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errMissingDependency = errors.New("required dependency is missing")

const (
	opCoordinatorNew = "sync.coordinator.new"
	opPull           = "sync.pull"
	opPush           = "sync.push"
	opAck            = "sync.ack"
)

// DeviceTracker records client activity; implemented by the device registry.
type DeviceTracker interface {
	Touch(ctx context.Context, organizationID, deviceID string) error
}

// CoordinatorConfig wires the sync cycle orchestrator.
type CoordinatorConfig struct {
	Feed       *FeedReader
	Applier    *Applier
	Watermarks *WatermarkStore
	Devices    DeviceTracker
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator orchestrates pull and push cycles per client. It keeps no
// in-process session state; the durable watermark store is the only state
// shared between requests.
type Coordinator struct {
	feed       *FeedReader
	applier    *Applier
	watermarks *WatermarkStore
	devices    DeviceTracker
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Feed == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_feed", errMissingDependency)
	}
	if cfg.Applier == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_applier", errMissingDependency)
	}
	if cfg.Watermarks == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_watermarks", errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		feed:       cfg.Feed,
		applier:    cfg.Applier,
		watermarks: cfg.Watermarks,
		devices:    cfg.Devices,
		clock:      clock,
		logger:     logger,
	}, nil
}

// PullResult is the server-to-client half of a sync cycle. Timestamp is the
// client's next watermark; the client must persist the changes durably before
// acknowledging it.
type PullResult struct {
	Changes   ChangeSet
	Timestamp EpochMillis
}

// Pull reads the change feed since the given watermark. When since is nil the
// client's stored watermark is used. The acknowledged watermark is NOT
// advanced here; the issued timestamp is recorded as pending until the client
// acks it via Push or Ack.
func (c *Coordinator) Pull(ctx context.Context, tenantID TenantID, clientID ClientID, since *EpochMillis) (PullResult, error) {
	floor := EpochMillis(0)
	if since != nil {
		floor = *since
	} else {
		stored, err := c.watermarks.Get(ctx, tenantID, clientID)
		if err != nil {
			return PullResult{}, err
		}
		floor = stored
	}

	issuedAt := MillisOf(c.clock().UTC())
	changes, err := c.feed.Changes(ctx, tenantID, floor, nil)
	if err != nil {
		return PullResult{}, err
	}

	// A limited page must not fast-forward past unseen rows, live or
	// tombstoned: resume from the truncated page's boundary instead of the
	// read time.
	timestamp := issuedAt
	for _, group := range changes {
		if !group.Limited {
			continue
		}
		if floor := group.ResumeFloor(); floor > 0 && floor < timestamp {
			timestamp = floor
		}
	}

	if err := c.watermarks.MarkPending(ctx, tenantID, clientID, timestamp); err != nil {
		return PullResult{}, err
	}
	c.touchDevice(ctx, opPull, tenantID, clientID)

	return PullResult{Changes: changes, Timestamp: timestamp}, nil
}

// Push applies a client mutation batch. A non-zero LastPulledAt acknowledges
// the preceding pull, advancing the durable watermark before changes apply.
func (c *Coordinator) Push(ctx context.Context, tenantID TenantID, clientID ClientID, batch MutationBatch) (BatchResult, error) {
	if batch.LastPulledAt > 0 {
		if err := c.watermarks.Ack(ctx, tenantID, clientID, batch.LastPulledAt); err != nil {
			return BatchResult{}, err
		}
	}
	result, err := c.applier.Apply(ctx, tenantID, clientID, batch)
	if err != nil {
		return result, err
	}
	c.touchDevice(ctx, opPush, tenantID, clientID)
	return result, nil
}

// Ack explicitly advances the client's acknowledged watermark after it has
// durably stored a pull response.
func (c *Coordinator) Ack(ctx context.Context, tenantID TenantID, clientID ClientID, acked EpochMillis) error {
	if err := c.watermarks.Ack(ctx, tenantID, clientID, acked); err != nil {
		return err
	}
	c.touchDevice(ctx, opAck, tenantID, clientID)
	return nil
}

func (c *Coordinator) touchDevice(ctx context.Context, operation string, tenantID TenantID, clientID ClientID) {
	if c.devices == nil {
		return
	}
	if err := c.devices.Touch(ctx, tenantID.String(), clientID.String()); err != nil {
		c.logger.Warn("device touch failed",
			zap.String("operation", operation),
			zap.String("organization_id", tenantID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
	}
}
