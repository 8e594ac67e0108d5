package hub

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	maxInboundMessage = 4096
)

// handleChannel upgrades the request and runs the member's pumps.
func (h *httpHandler) handleChannel(c *gin.Context) {
	orderID, err := protocol.NewOrderID(c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return
	}
	entry := protocol.PresenceEntry{
		UserID:   strings.TrimSpace(c.Query("user_id")),
		UserName: strings.TrimSpace(c.Query("user_name")),
		Role:     strings.TrimSpace(c.Query("role")),
	}
	if entry.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("channel upgrade failed", zap.String("order_id", orderID.String()), zap.Error(err))
		return
	}

	joining := h.rooms.newMember(uuid.NewString(), entry)
	users := h.rooms.join(orderID.String(), joining)
	h.logger.Info("member joined",
		zap.String("order_id", orderID.String()),
		zap.String("member_id", joining.id),
		zap.String("user_id", entry.UserID))

	if payload, err := protocol.Encode(protocol.SyncConnected{Users: users}); err == nil {
		h.rooms.sendTo(orderID.String(), joining.id, payload)
	}
	if payload, err := protocol.Encode(protocol.UserJoined{Users: users}); err == nil {
		h.rooms.broadcast(orderID.String(), payload, joining.id)
	}

	go h.writePump(conn, joining)
	h.readPump(conn, orderID.String(), joining)
}

func (h *httpHandler) readPump(conn *websocket.Conn, orderID string, reader *member) {
	defer func() {
		h.depart(orderID, reader)
		conn.Close()
	}()

	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("member read ended", zap.String("order_id", orderID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		h.handleInbound(orderID, reader, data)
	}
}

func (h *httpHandler) handleInbound(orderID string, sender *member, data []byte) {
	message, err := protocol.DecodeOutbound(data)
	if err != nil {
		h.logger.Debug("ignoring malformed client frame", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	switch message.Type {
	case protocol.TypePing:
		if payload, err := protocol.Encode(protocol.Pong{}); err == nil {
			h.rooms.sendTo(orderID, sender.id, payload)
		}
	case protocol.TypeTyping:
		payload, err := protocol.Encode(protocol.UserTyping{UserID: sender.entry.UserID, UserName: sender.entry.UserName})
		if err != nil {
			return
		}
		h.rooms.broadcast(orderID, payload, sender.id)
	default:
		h.logger.Debug("ignoring client frame", zap.String("order_id", orderID), zap.String("type", message.Type))
	}
}

func (h *httpHandler) depart(orderID string, leaving *member) {
	users, removed := h.rooms.leave(orderID, leaving.id)
	if !removed {
		return
	}
	h.logger.Info("member left",
		zap.String("order_id", orderID),
		zap.String("member_id", leaving.id),
		zap.String("user_id", leaving.entry.UserID))
	if payload, err := protocol.Encode(protocol.UserLeft{Users: users}); err == nil {
		h.rooms.broadcast(orderID, payload, "")
	}
}

// writePump owns all writes to conn. It exits when the member's queue closes
// or a write fails.
func (h *httpHandler) writePump(conn *websocket.Conn, writer *member) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-writer.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func encodeComment(comment commentPayload) ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Comment commentPayload `json:"comment"`
	}{Type: protocol.TypeCommentAdded, Comment: comment})
}
