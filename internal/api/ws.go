package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/hub"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// commandFrame is a client-to-sandbox message read off the WebSocket
// connection. Tag correlates a response the hub should route back to this
// connection alone rather than fan out to every client.
type commandFrame struct {
	Tag     string          `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// WSHandler upgrades a session stream connection and bridges it to that
// session's hub.
type WSHandler struct {
	hubs    *hub.Registry
	sandbox hub.SandboxAttacher
	logger  *logger.Logger
}

// NewWSHandler builds the session-stream WebSocket handler.
func NewWSHandler(hubs *hub.Registry, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hubs:   hubs,
		logger: log.WithFields(zap.String("component", "session_ws_handler")),
	}
}

// StreamSession handles a client's WebSocket connection to one session's
// event stream.
// GET /ws/sessions/:id
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		appErr := apperrors.BadRequest("session id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	lastSeq, err := strconv.ParseInt(c.DefaultQuery("lastSeq", "0"), 10, 64)
	if err != nil {
		appErr := apperrors.BadRequest("lastSeq must be an integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	sessionHub, ok := h.hubs.Get(sessionID)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unknown session"))
		conn.Close()
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, h.logger)

	h.logger.Info("websocket connection established", zap.String("session_id", sessionID), zap.String("client_id", clientID))

	sessionHub.RegisterClient(c.Request.Context(), client, lastSeq)

	go h.writePump(conn, client)
	h.readPump(conn, sessionHub, client, sessionID)
}

func (h *WSHandler) readPump(conn *websocket.Conn, sessionHub *hub.Hub, client *hub.Client, sessionID string) {
	defer func() {
		sessionHub.UnregisterClient(client.ID)
		conn.Close()
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.logger.Warn("malformed client command", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		cmd := hub.CommandRequest{Tag: frame.Tag, OriginID: client.ID, Payload: frame.Payload}
		if err := sessionHub.EnqueueCommand(context.Background(), cmd); err != nil {
			h.logger.Warn("failed to enqueue client command", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SetupWebSocketRoutes registers the session-stream WebSocket route.
func SetupWebSocketRoutes(router gin.IRouter, handler *WSHandler) {
	router.GET("/ws/sessions/:id", handler.StreamSession)
}
