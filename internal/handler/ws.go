package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/middleware"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
)

const (
	wsPollTimeout  = 25 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WSHandler pushes storage messages over WebSocket connections. Listening is
// a repeated blocking read: each batch the delivery engine returns is written
// to the client as one JSON frame.
type WSHandler struct {
	auth     middleware.Authenticator
	storage  StorageService
	upgrader websocket.Upgrader
}

func NewWSHandler(auth middleware.Authenticator, storage StorageService) *WSHandler {
	return &WSHandler{
		auth:     auth,
		storage:  storage,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// authenticate accepts the bearer header or, for browser clients that cannot
// set handshake headers, an accessToken query parameter.
func (h *WSHandler) authenticate(c *gin.Context) (*models.AuthInfo, bool) {
	accessToken, ok := middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	if !ok {
		accessToken = c.Query("accessToken")
	}
	if accessToken == "" {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Authorization required")
		return nil, false
	}

	info, err := h.auth.Authenticate(c.Request.Context(), accessToken)
	if err != nil {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Invalid or expired token")
		return nil, false
	}
	return info, true
}

// ListenChannel streams channel messages after the client's offset.
func (h *WSHandler) ListenChannel(c *gin.Context) {
	info, ok := h.authenticate(c)
	if !ok {
		return
	}

	channelName := c.Param("channel")
	offsetID, err := strconv.ParseInt(c.DefaultQuery("offsetId", "0"), 10, 64)
	if err != nil || offsetID < 0 {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid offsetId")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go discardReads(conn, cancel)

	log := logrus.WithFields(logrus.Fields{
		"userId":  info.User.ID,
		"channel": channelName,
	})
	log.Debug("channel listener connected")

	for {
		messages, err := h.storage.ListenChannel(ctx, info.User.ID, channelName, offsetID, 0, wsPollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("channel listen failed")
			}
			return
		}
		if len(messages) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		offsetID = messages[len(messages)-1].ID
		if !writeFrame(conn, ChannelMessagesResponse{Messages: messages}) {
			return
		}
	}
}

// ListenDirect streams direct messages addressed to the device.
func (h *WSHandler) ListenDirect(c *gin.Context) {
	info, ok := h.authenticate(c)
	if !ok {
		return
	}

	deviceName := c.Query("device")
	if deviceName == "" {
		middleware.RespondWithError(c, http.StatusBadRequest, "Query parameter 'device' is required")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go discardReads(conn, cancel)

	log := logrus.WithFields(logrus.Fields{
		"userId": info.User.ID,
		"device": deviceName,
	})
	log.Debug("direct listener connected")

	for {
		messages, err := h.storage.ListenDirect(ctx, info.User.ID, deviceName, 0, wsPollTimeout)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("direct listen failed")
			}
			return
		}
		if len(messages) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if !writeFrame(conn, DirectMessagesResponse{Messages: messages}) {
			return
		}
	}
}

// discardReads drains the client side of the connection until it closes,
// then cancels the listen loop.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, payload any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(payload) == nil
}
