package server

import (
	"context"
	"sync"
	"time"
)

const (
	// RealtimeEventSyncChanged signals that new changes are available to pull.
	RealtimeEventSyncChanged = "sync-change"

	realtimeSourceBackend = "fieldsync-backend"
	realtimeBufferSize    = 16
)

// RealtimeMessage notifies connected clients of tenant activity.
type RealtimeMessage struct {
	OrganizationID string
	EventType      string
	EntityTypes    []string
	SourceClient   string
	Timestamp      time.Time
}

// RealtimeDispatcher fans sync notifications out to subscribers, keyed by
// organization. Slow subscribers are skipped, never blocked on.
type RealtimeDispatcher struct {
	mu            sync.Mutex
	organizations map[string]map[chan RealtimeMessage]struct{}
}

// NewRealtimeDispatcher constructs a dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		organizations: make(map[string]map[chan RealtimeMessage]struct{}),
	}
}

// Subscribe registers a listener for the organization. The returned cleanup
// is idempotent and also runs when the context is cancelled.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, organizationID string) (<-chan RealtimeMessage, func()) {
	stream := make(chan RealtimeMessage, realtimeBufferSize)
	if organizationID == "" {
		close(stream)
		return stream, func() {}
	}

	d.mu.Lock()
	members, ok := d.organizations[organizationID]
	if !ok {
		members = make(map[chan RealtimeMessage]struct{})
		d.organizations[organizationID] = members
	}
	members[stream] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.remove(organizationID, stream) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the message to every subscriber of its organization. A
// subscriber whose buffer is full misses the message; the heartbeat-driven
// client re-pulls on reconnect anyway.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OrganizationID == "" || message.EventType == "" {
		return
	}
	d.mu.Lock()
	streams := make([]chan RealtimeMessage, 0, len(d.organizations[message.OrganizationID]))
	for stream := range d.organizations[message.OrganizationID] {
		streams = append(streams, stream)
	}
	d.mu.Unlock()

	for _, stream := range streams {
		select {
		case stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) remove(organizationID string, stream chan RealtimeMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members := d.organizations[organizationID]
	if members == nil {
		return
	}
	delete(members, stream)
	if len(members) == 0 {
		delete(d.organizations, organizationID)
	}
}
