package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/middleware"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/service"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/storage"
)

// StorageService defines the messaging operations used by StorageHandler.
type StorageService interface {
	WriteChannel(ctx context.Context, userID int64, channelName, intent, senderName, targetName string, data json.RawMessage) (*models.ChannelMessage, error)
	ListenChannel(ctx context.Context, userID int64, channelName string, offsetID int64, limit int, timeout time.Duration) ([]*models.ChannelMessage, error)
	SendRequest(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, ttl time.Duration, wait bool) (*models.DirectMessage, *models.DirectMessage, error)
	SendResponse(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, responseToUUID string, ttl time.Duration) (*models.DirectMessage, error)
	SendDirect(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, ttl time.Duration) (*models.DirectMessage, error)
	ListenDirect(ctx context.Context, userID int64, deviceName string, limit int, timeout time.Duration) ([]*models.DirectMessage, error)
}

type StorageHandler struct {
	storage StorageService
}

func NewStorageHandler(storage StorageService) *StorageHandler {
	return &StorageHandler{storage: storage}
}

type WriteChannelRequest struct {
	Intent     string          `json:"intent" validate:"required,max=50"`
	SenderName string          `json:"senderName" validate:"required,max=50"`
	TargetName string          `json:"targetName" validate:"required,max=50"`
	Data       json.RawMessage `json:"data" validate:"required"`
}

type DirectRequestRequest struct {
	SenderName string          `json:"senderName" validate:"required,max=50"`
	TargetName string          `json:"targetName" validate:"required,max=50"`
	Data       json.RawMessage `json:"data" validate:"required"`
	TTLSeconds int             `json:"ttl" validate:"gte=0"`
	NoWait     bool            `json:"noWait"`
}

type DirectResponseRequest struct {
	SenderName     string          `json:"senderName" validate:"required,max=50"`
	TargetName     string          `json:"targetName" validate:"required,max=50"`
	Data           json.RawMessage `json:"data" validate:"required"`
	ResponseToUUID string          `json:"responseToMessageUuid" validate:"required,uuid4"`
	TTLSeconds     int             `json:"ttl" validate:"gte=0"`
}

type DirectSendRequest struct {
	SenderName string          `json:"senderName" validate:"required,max=50"`
	TargetName string          `json:"targetName" validate:"required,max=50"`
	Data       json.RawMessage `json:"data" validate:"required"`
	TTLSeconds int             `json:"ttl" validate:"gte=0"`
}

type ChannelMessagesResponse struct {
	Messages []*models.ChannelMessage `json:"messages"`
}

type DirectMessagesResponse struct {
	Messages []*models.DirectMessage `json:"messages"`
}

func (h *StorageHandler) WriteChannel(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req WriteChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	msg, err := h.storage.WriteChannel(c.Request.Context(),
		info.User.ID, c.Param("channel"), req.Intent, req.SenderName, req.TargetName, req.Data)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *StorageHandler) ListenChannel(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	offsetID, err := strconv.ParseInt(c.DefaultQuery("offsetId", "0"), 10, 64)
	if err != nil || offsetID < 0 {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid offsetId")
		return
	}

	messages, err := h.storage.ListenChannel(c.Request.Context(),
		info.User.ID, c.Param("channel"), offsetID, queryInt(c, "limit"), querySeconds(c, "timeout"))
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, ChannelMessagesResponse{Messages: messages})
}

func (h *StorageHandler) SendRequest(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req DirectRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	request, response, err := h.storage.SendRequest(c.Request.Context(),
		info.User.ID, req.SenderName, req.TargetName, req.Data,
		time.Duration(req.TTLSeconds)*time.Second, !req.NoWait)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": request, "response": response})
}

func (h *StorageHandler) SendResponse(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req DirectResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	msg, err := h.storage.SendResponse(c.Request.Context(),
		info.User.ID, req.SenderName, req.TargetName, req.Data,
		req.ResponseToUUID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *StorageHandler) SendDirect(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var req DirectSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	msg, err := h.storage.SendDirect(c.Request.Context(),
		info.User.ID, req.SenderName, req.TargetName, req.Data,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *StorageHandler) ListenDirect(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	deviceName := c.Query("device")
	if deviceName == "" {
		middleware.RespondWithError(c, http.StatusBadRequest, "Query parameter 'device' is required")
		return
	}

	messages, err := h.storage.ListenDirect(c.Request.Context(),
		info.User.ID, deviceName, queryInt(c, "limit"), querySeconds(c, "timeout"))
	if err != nil {
		respondStorageError(c, err)
		return
	}
	c.JSON(http.StatusOK, DirectMessagesResponse{Messages: messages})
}

func respondStorageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidName):
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid channel, sender or target name")
	case errors.Is(err, storage.ErrBadDirectIntent):
		middleware.RespondWithError(c, http.StatusBadRequest, "Intent not allowed for plain direct messages")
	default:
		middleware.RespondWithError(c, http.StatusInternalServerError, "Storage operation failed")
	}
}

func queryInt(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.DefaultQuery(name, "0"))
	if err != nil {
		return 0
	}
	return value
}

func querySeconds(c *gin.Context, name string) time.Duration {
	return time.Duration(queryInt(c, name)) * time.Second
}
