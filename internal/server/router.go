package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborline/fieldsync/internal/auth"
	"github.com/harborline/fieldsync/internal/sync"
)

const (
	organizationContextKey = "fieldsync_org_id"
	deviceContextKey       = "fieldsync_device_id"
	subjectContextKey      = "fieldsync_subject"

	eventHeartbeat    = "heartbeat"
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCoordinator    = errors.New("sync coordinator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and yields the tenant/device scope.
type TokenValidator interface {
	ValidateToken(token string) (auth.SyncClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenValidator TokenValidator
	Coordinator    *sync.Coordinator
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
}

// NewHTTPHandler assembles the Gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenValidator,
		coordinator: deps.Coordinator,
		realtime:    realtime,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync", handler.handlePull)
	protected.POST("/sync", handler.handlePush)
	protected.POST("/sync/ack", handler.handleAck)
	protected.GET("/sync/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	coordinator *sync.Coordinator
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(organizationContextKey, claims.OrganizationID)
	c.Set(deviceContextKey, claims.DeviceID)
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) requestScope(c *gin.Context) (sync.TenantID, sync.ClientID, bool) {
	tenantID, err := sync.NewTenantID(c.GetString(organizationContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	clientID, err := sync.NewClientID(c.GetString(deviceContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return tenantID, clientID, true
}

type pullResponsePayload struct {
	Changes   map[string]entityChangesPayload `json:"changes"`
	Timestamp int64                           `json:"timestamp"`
}

type entityChangesPayload struct {
	Created []json.RawMessage `json:"created"`
	Updated []json.RawMessage `json:"updated"`
	Deleted []string          `json:"deleted"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	tenantID, clientID, ok := h.requestScope(c)
	if !ok {
		return
	}

	since, err := parseSinceParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	result, err := h.coordinator.Pull(c.Request.Context(), tenantID, clientID, since)
	if err != nil {
		h.logger.Error("pull failed",
			zap.String("organization_id", tenantID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}

	response := pullResponsePayload{
		Changes:   make(map[string]entityChangesPayload, len(result.Changes)),
		Timestamp: result.Timestamp.Int64(),
	}
	for entityType, group := range result.Changes {
		payload, err := marshalEntityChanges(group)
		if err != nil {
			h.logger.Error("pull encoding failed", zap.String("entity_type", string(entityType)), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
			return
		}
		response.Changes[string(entityType)] = payload
	}
	c.JSON(http.StatusOK, response)
}

func parseSinceParam(c *gin.Context) (*sync.EpochMillis, error) {
	raw := c.Query("since")
	if raw == "" {
		raw = c.Query("last_pulled_at")
	}
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	since, err := sync.NewEpochMillis(value)
	if err != nil {
		return nil, err
	}
	return &since, nil
}

func marshalEntityChanges(group sync.EntityChanges) (entityChangesPayload, error) {
	payload := entityChangesPayload{
		Created: make([]json.RawMessage, 0, len(group.Created)),
		Updated: make([]json.RawMessage, 0, len(group.Updated)),
		Deleted: group.Deleted,
	}
	if payload.Deleted == nil {
		payload.Deleted = make([]string, 0)
	}
	for _, record := range group.Created {
		encoded, err := json.Marshal(record)
		if err != nil {
			return entityChangesPayload{}, err
		}
		payload.Created = append(payload.Created, encoded)
	}
	for _, record := range group.Updated {
		encoded, err := json.Marshal(record)
		if err != nil {
			return entityChangesPayload{}, err
		}
		payload.Updated = append(payload.Updated, encoded)
	}
	return payload, nil
}

type pushRequestPayload struct {
	Changes      map[string]pushEntityPayload `json:"changes"`
	LastPulledAt int64                        `json:"lastPulledAt"`
}

type pushEntityPayload struct {
	Created   []json.RawMessage `json:"created"`
	Updated   []json.RawMessage `json:"updated"`
	Deleted   []string          `json:"deleted"`
	Undeleted []json.RawMessage `json:"undeleted"`
}

type pushResponsePayload struct {
	Success bool                             `json:"success"`
	Results map[string][]sync.MutationResult `json:"results,omitempty"`
}

// recordPeek extracts the client-supplied identity and base version from a raw
// mutation body without binding the entity-specific fields.
type recordPeek struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	tenantID, clientID, ok := h.requestScope(c)
	if !ok {
		return
	}

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	batch, err := buildMutationBatch(request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinator.Push(c.Request.Context(), tenantID, clientID, batch)
	if err != nil {
		if errors.Is(err, sync.ErrBatchTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch_too_large"})
			return
		}
		h.logger.Error("push failed",
			zap.String("organization_id", tenantID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}

	h.publishSyncChange(tenantID.String(), clientID.String(), result)

	response := pushResponsePayload{
		Success: !result.HasRejections(),
		Results: make(map[string][]sync.MutationResult, len(result.Results)),
	}
	for entityType, group := range result.Results {
		response.Results[string(entityType)] = group
	}
	if result.HasRejections() {
		c.JSON(http.StatusConflict, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func buildMutationBatch(request pushRequestPayload) (sync.MutationBatch, error) {
	lastPulledAt, err := sync.NewEpochMillis(request.LastPulledAt)
	if err != nil {
		return sync.MutationBatch{}, errors.New("invalid_last_pulled_at")
	}
	batch := sync.MutationBatch{
		Mutations:    make(map[sync.EntityType][]sync.Mutation, len(request.Changes)),
		LastPulledAt: lastPulledAt,
	}
	for rawType, group := range request.Changes {
		entityType, err := sync.ParseEntityType(rawType)
		if err != nil {
			return sync.MutationBatch{}, errors.New("unknown_entity_type")
		}
		mutations := make([]sync.Mutation, 0, len(group.Created)+len(group.Updated)+len(group.Deleted)+len(group.Undeleted))
		for _, body := range group.Created {
			mutations = append(mutations, rawMutation(sync.OperationTypeCreate, body))
		}
		for _, body := range group.Updated {
			mutations = append(mutations, rawMutation(sync.OperationTypeUpdate, body))
		}
		for _, id := range group.Deleted {
			mutations = append(mutations, sync.Mutation{Op: sync.OperationTypeDelete, ID: strings.TrimSpace(id)})
		}
		for _, body := range group.Undeleted {
			mutations = append(mutations, rawMutation(sync.OperationTypeUndelete, body))
		}
		batch.Mutations[entityType] = mutations
	}
	return batch, nil
}

func rawMutation(op sync.OperationType, body json.RawMessage) sync.Mutation {
	var peek recordPeek
	// Malformed bodies surface as per-mutation rejections downstream.
	_ = json.Unmarshal(body, &peek)
	return sync.Mutation{
		Op:            op,
		ID:            strings.TrimSpace(peek.ID),
		Body:          body,
		BaseUpdatedAt: sync.EpochMillis(peek.UpdatedAt),
	}
}

type ackRequestPayload struct {
	Timestamp int64 `json:"timestamp"`
}

func (h *httpHandler) handleAck(c *gin.Context) {
	tenantID, clientID, ok := h.requestScope(c)
	if !ok {
		return
	}

	var request ackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Timestamp <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.coordinator.Ack(c.Request.Context(), tenantID, clientID, sync.EpochMillis(request.Timestamp)); err != nil {
		h.logger.Error("ack failed",
			zap.String("organization_id", tenantID.String()),
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ack_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type realtimeEventPayload struct {
	EntityTypes  []string `json:"entity_types,omitempty"`
	SourceClient string   `json:"source_client,omitempty"`
	Source       string   `json:"source"`
	Timestamp    int64    `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	organizationID := c.GetString(organizationContextKey)
	if organizationID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cancel := h.realtime.Subscribe(c.Request.Context(), organizationID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				EntityTypes:  message.EntityTypes,
				SourceClient: message.SourceClient,
				Source:       realtimeSourceBackend,
				Timestamp:    message.Timestamp.UnixMilli(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, realtimeEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UnixMilli(),
			})
			return true
		}
	})
}

func (h *httpHandler) publishSyncChange(organizationID, clientID string, result sync.BatchResult) {
	entityTypes := appliedEntityTypes(result)
	if len(entityTypes) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		OrganizationID: organizationID,
		EventType:      RealtimeEventSyncChanged,
		EntityTypes:    entityTypes,
		SourceClient:   clientID,
		Timestamp:      time.Now().UTC(),
	})
}

// appliedEntityTypes lists entity types with at least one applied mutation,
// sorted for stable output.
func appliedEntityTypes(result sync.BatchResult) []string {
	var types []string
	for entityType, group := range result.Results {
		for _, mutationResult := range group {
			if mutationResult.Status == sync.MutationStatusApplied {
				types = append(types, string(entityType))
				break
			}
		}
	}
	sort.Strings(types)
	return types
}
