package http

import (
	"errors"
	"fmt"
	"net/http"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/signal"
	"castrelay/pkg/codes"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes peer-to-peer session lifecycle over HTTP. The
// signaling itself runs over the websocket route; this surface only mints
// and destroys codes.
type SessionHandler struct {
	registry  ports.SessionRegistry
	relay     *signal.RelayServer
	localPort int
}

func NewSessionHandler(registry ports.SessionRegistry, relay *signal.RelayServer, localPort int) *SessionHandler {
	return &SessionHandler{
		registry:  registry,
		relay:     relay,
		localPort: localPort,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", func(c *gin.Context) {
		h.relay.HandleWebSocket(c.Writer, c.Request)
	})

	api := router.Group("/api/v1")
	{
		api.GET("/signaling/url", h.SignalingURL)
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.DELETE("/sessions/:code", h.DestroySession)
	}
}

func (h *SessionHandler) SignalingURL(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ws_url": h.wsURL(),
	})
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	session, err := h.registry.Create(c.Request.Context(), domain.ModePeerToPeer)
	if err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":   session.Code,
		"ws_url": h.wsURL(),
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
	})
}

// DestroySession releases the code and every connection bound to it.
// Destroying an unknown code still answers 204.
func (h *SessionHandler) DestroySession(c *gin.Context) {
	code := codes.Normalize(c.Param("code"))
	if !codes.Valid(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed session code"})
		return
	}

	h.relay.CloseSession(c.Request.Context(), domain.SessionCode(code))
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) wsURL() string {
	return fmt.Sprintf("ws://localhost:%d/ws", h.localPort)
}
