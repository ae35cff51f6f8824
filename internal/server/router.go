// Package server exposes the cloud bookmark store over HTTP for the sync
// client. The wire shapes here mirror the client in internal/cloud.
package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"go.uber.org/zap"
)

const userIDContextKey = "linkhaven_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStore         = errors.New("cloud store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager TokenValidator
	Store        cloud.Store
	Events       *ChangeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the cloud service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewChangeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenManager,
		store:  deps.Store,
		events: events,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/bookmarks", handler.handleFetchBookmarks)
	protected.PUT("/bookmarks", handler.handleStoreBookmarks)
	protected.DELETE("/bookmarks", handler.handleDeleteBookmarks)
	protected.GET("/devices", handler.handleListDevices)
	protected.PUT("/devices/:id", handler.handleTouchDevice)
	protected.DELETE("/devices/:id", handler.handleRemoveDevice)
	protected.GET("/devices/:id/state", handler.handleFetchSyncState)
	protected.PUT("/devices/:id/state", handler.handleSaveSyncState)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens TokenValidator
	store  cloud.Store
	events *ChangeDispatcher
	logger *zap.Logger
}

type rowPayload struct {
	Data     cloud.Snapshot `json:"data"`
	Checksum string         `json:"checksum"`
	Version  int64          `json:"version"`
}

type putRowPayload struct {
	Data            cloud.Snapshot `json:"data"`
	ExpectedVersion int64          `json:"expected_version"`
}

type syncStatePayload struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Checksum   string    `json:"checksum"`
	Version    int64     `json:"version"`
}

type devicePayload struct {
	DeviceID   string    `json:"device_id"`
	Name       string    `json:"name"`
	Browser    string    `json:"browser"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFetchBookmarks(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	row, err := h.store.FetchRow(c.Request.Context(), userID)
	if errors.Is(err, cloud.ErrNoData) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch bookmark row", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	c.JSON(http.StatusOK, rowPayload{Data: row.Snapshot, Checksum: row.Checksum, Version: row.Version})
}

func (h *httpHandler) handleStoreBookmarks(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request putRowPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	row, err := h.store.StoreRow(c.Request.Context(), userID, request.Data, request.ExpectedVersion)
	if errors.Is(err, cloud.ErrVersionConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict"})
		return
	}
	if err != nil {
		h.logger.Error("failed to store bookmark row", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
		return
	}

	h.events.Publish(ChangeEvent{
		UserID:    userID.String(),
		EventType: EventBookmarksChanged,
		Version:   row.Version,
		Checksum:  row.Checksum,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, rowPayload{Data: row.Snapshot, Checksum: row.Checksum, Version: row.Version})
}

func (h *httpHandler) handleDeleteBookmarks(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	if err := h.store.DeleteRow(c.Request.Context(), userID); err != nil {
		h.logger.Error("failed to delete bookmark row", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	devices, err := h.store.ListDevices(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]devicePayload, 0, len(devices))
	for _, device := range devices {
		payload = append(payload, devicePayload{
			DeviceID:   device.DeviceID,
			Name:       device.Name,
			Browser:    device.Browser,
			LastSeenAt: device.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

func (h *httpHandler) handleTouchDevice(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := h.pathDevice(c)
	if !ok {
		return
	}

	var request devicePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device := cloud.Device{
		UserID:   userID.String(),
		DeviceID: deviceID.String(),
		Name:     request.Name,
		Browser:  request.Browser,
	}
	if err := h.store.TouchDevice(c.Request.Context(), device); err != nil {
		h.logger.Error("failed to register device", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveDevice(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := h.pathDevice(c)
	if !ok {
		return
	}

	if err := h.store.RemoveDevice(c.Request.Context(), userID, deviceID); err != nil {
		h.logger.Error("failed to remove device", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFetchSyncState(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := h.pathDevice(c)
	if !ok {
		return
	}

	state, found, err := h.store.FetchSyncState(c.Request.Context(), userID, deviceID)
	if err != nil {
		h.logger.Error("failed to fetch sync state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	c.JSON(http.StatusOK, syncStatePayload{
		DeviceID:   state.DeviceID,
		DeviceName: state.DeviceName,
		LastSyncAt: state.LastSyncAt,
		Checksum:   state.Checksum,
		Version:    state.Version,
	})
}

func (h *httpHandler) handleSaveSyncState(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	deviceID, ok := h.pathDevice(c)
	if !ok {
		return
	}

	var request syncStatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	state := cloud.SyncState{
		UserID:     userID.String(),
		DeviceID:   deviceID.String(),
		DeviceName: request.DeviceName,
		LastSyncAt: request.LastSyncAt,
		Checksum:   request.Checksum,
		Version:    request.Version,
	}
	if err := h.store.SaveSyncState(c.Request.Context(), state); err != nil {
		h.logger.Error("failed to save sync state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEvents streams row-change notifications as server-sent events so a
// user's other devices can pull promptly instead of waiting for the ticker.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.events.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) (cloud.UserID, bool) {
	userID, err := cloud.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) pathDevice(c *gin.Context) (cloud.DeviceID, bool) {
	deviceID, err := cloud.NewDeviceID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device"})
		return "", false
	}
	return deviceID, true
}
