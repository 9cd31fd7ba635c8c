package walletsession

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/omnidepin/marketplace/internal/logging"
)

// Handler provides HTTP endpoints for the wallet session.
type Handler struct {
	session  *Session
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a wallet handler. Bridge upgrades are accepted from
// allowedOrigins ("*" allows any) and from same-host pages.
func NewHandler(session *Session, logger *slog.Logger, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Handler{
		session: session,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				return origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetState)
	r.POST("/wallet/connect", h.Connect)
	r.POST("/wallet/disconnect", h.Disconnect)
	r.GET("/wallet/bridge", h.Bridge)
}

// GetState handles GET /v1/wallet
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.State(c.Request.Context()))
}

// Connect handles POST /v1/wallet/connect
func (h *Handler) Connect(c *gin.Context) {
	err := h.session.OpenConnectDialog(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "connect_requested"})
	case errors.Is(err, ErrNoDialog):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_wallet_ui",
			"message": "No wallet page is connected to show the connect dialog",
		})
	default:
		logging.L(c.Request.Context()).Warn("connect dialog request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "connect_failed",
			"message": "Failed to open the wallet connect dialog",
		})
	}
}

// Disconnect handles POST /v1/wallet/disconnect
func (h *Handler) Disconnect(c *gin.Context) {
	h.session.Disconnect(EIP155)
	c.JSON(http.StatusOK, h.session.State(c.Request.Context()))
}

// Bridge handles GET /v1/wallet/bridge and blocks for the socket's lifetime.
func (h *Handler) Bridge(c *gin.Context) {
	select {
	case <-h.session.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "shutting_down",
			"message": "Wallet session is closed",
		})
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("wallet bridge upgrade failed", "error", err)
		return
	}

	h.logger.Info("wallet bridge connected", "remote", c.ClientIP())
	NewBridge(conn, h.session, h.logger).Serve(c.Request.Context())
	h.logger.Info("wallet bridge disconnected", "remote", c.ClientIP())
}
