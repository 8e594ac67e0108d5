// Package hub is a single-process reference server for the order
// collaboration contract: per-order push channels, versioned section commits
// and comment fan-out. It keeps no authentication and is meant for local
// development and integration tests.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingSectionStore = errors.New("section store dependency required")
	errMissingRooms        = errors.New("rooms dependency required")
)

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sections       *sections.Store
	Rooms          *Rooms
	Logger         *zap.Logger
	Clock          func() time.Time
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin router serving every hub endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sections == nil {
		return nil, errMissingSectionStore
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	writeWait := deps.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pongWait := deps.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		sections:   deps.Sections,
		rooms:      deps.Rooms,
		commits:    newOrderLocks(),
		logger:     logger,
		clock:      clock,
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pongWait * 9 / 10,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	orders := router.Group("/api/orders/:orderID")
	orders.GET("/ws", handler.handleChannel)
	orders.GET("/presence", handler.handlePresence)
	orders.GET("/sections/:section", handler.handleGetSection)
	orders.POST("/sections/:section/commit", handler.handleCommit)
	orders.POST("/comments", handler.handleComment)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sections   *sections.Store
	rooms      *Rooms
	commits    *orderLocks
	logger     *zap.Logger
	clock      func() time.Time
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

type commitRequestPayload struct {
	ClientVersion  *int64          `json:"client_version" binding:"required,gte=0"`
	UserID         string          `json:"user_id" binding:"required,max=190"`
	UserName       string          `json:"user_name" binding:"max=320"`
	ChangesSummary string          `json:"changes_summary"`
	ChangedFields  []string        `json:"changed_fields"`
	Payload        json.RawMessage `json:"payload"`
}

type commitResponsePayload struct {
	Conflict      bool   `json:"conflict"`
	NewVersion    *int64 `json:"new_version,omitempty"`
	ServerVersion *int64 `json:"server_version,omitempty"`
	Message       string `json:"message,omitempty"`
}

func (h *httpHandler) handleCommit(c *gin.Context) {
	orderID, section, ok := h.bindSectionPath(c)
	if !ok {
		return
	}
	var request commitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Held until the broadcast is queued so members see versions in order.
	unlock := h.commits.lock(orderID.String())
	defer unlock()

	outcome, err := h.sections.Apply(c.Request.Context(), sections.WriteRequest{
		OrderID:        orderID.String(),
		Section:        section,
		ClientVersion:  *request.ClientVersion,
		UserID:         request.UserID,
		UserName:       request.UserName,
		ChangesSummary: request.ChangesSummary,
		ChangedFields:  request.ChangedFields,
		PayloadJSON:    string(request.Payload),
	})
	if err != nil {
		h.logger.Error("failed to apply section write", zap.String("order_id", orderID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit_failed"})
		return
	}

	if !outcome.Accepted {
		serverVersion := outcome.ServerVersion
		message := fmt.Sprintf("section %s is at version %d", section, serverVersion)
		if outcome.Updated != nil && outcome.Updated.UpdatedByName != "" {
			message = fmt.Sprintf("section %s was updated by %s (version %d)", section, outcome.Updated.UpdatedByName, serverVersion)
		}
		c.JSON(http.StatusConflict, commitResponsePayload{
			Conflict:      true,
			ServerVersion: &serverVersion,
			Message:       message,
		})
		return
	}

	fields := request.ChangedFields
	if fields == nil {
		fields = []string{}
	}
	payload, err := protocol.Encode(protocol.SectionUpdated{
		Section:        section.String(),
		Version:        outcome.ServerVersion,
		UpdatedByID:    request.UserID,
		UpdatedByName:  request.UserName,
		ChangedFields:  fields,
		ChangesSummary: request.ChangesSummary,
		Timestamp:      h.clock().UTC().Format(time.RFC3339),
	})
	if err == nil {
		h.rooms.broadcast(orderID.String(), payload, "")
	}

	newVersion := outcome.ServerVersion
	c.JSON(http.StatusOK, commitResponsePayload{Conflict: false, NewVersion: &newVersion})
}

type sectionResponsePayload struct {
	Section       string          `json:"section"`
	Version       int64           `json:"version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	UpdatedByID   string          `json:"updated_by_id"`
	UpdatedByName string          `json:"updated_by_name"`
	UpdatedAt     int64           `json:"updated_at_s"`
}

func (h *httpHandler) handleGetSection(c *gin.Context) {
	orderID, section, ok := h.bindSectionPath(c)
	if !ok {
		return
	}
	record, err := h.sections.Current(c.Request.Context(), orderID.String(), section)
	if err != nil {
		h.logger.Error("failed to load section", zap.String("order_id", orderID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	var payload json.RawMessage
	if record.PayloadJSON != "" {
		payload = json.RawMessage(record.PayloadJSON)
	}
	c.JSON(http.StatusOK, sectionResponsePayload{
		Section:       section.String(),
		Version:       record.Version,
		Payload:       payload,
		UpdatedByID:   record.UpdatedByID,
		UpdatedByName: record.UpdatedByName,
		UpdatedAt:     record.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	orderID, err := protocol.NewOrderID(c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": h.rooms.Presence(orderID.String())})
}

type commentRequestPayload struct {
	UserID   string `json:"user_id" binding:"required,max=190"`
	UserName string `json:"user_name" binding:"max=320"`
	Body     string `json:"body" binding:"required,max=10000"`
}

type commentPayload struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

func (h *httpHandler) handleComment(c *gin.Context) {
	orderID, err := protocol.NewOrderID(c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return
	}
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	commentID, err := uuid.NewV7()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
		return
	}
	comment := commentPayload{
		ID:        commentID.String(),
		UserID:    request.UserID,
		UserName:  request.UserName,
		Body:      request.Body,
		CreatedAt: h.clock().UTC().Format(time.RFC3339),
	}
	payload, err := encodeComment(comment)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	h.rooms.broadcast(orderID.String(), payload, "")
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) bindSectionPath(c *gin.Context) (protocol.OrderID, sections.Name, bool) {
	orderID, err := protocol.NewOrderID(c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id"})
		return "", "", false
	}
	section, err := sections.NewName(c.Param("section"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_section"})
		return "", "", false
	}
	return orderID, section, true
}
