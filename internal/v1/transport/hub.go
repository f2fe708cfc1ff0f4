// Package transport owns the WebSocket surface of the relay: upgrading
// HTTP requests, classifying peers, and pumping frames between the socket
// and the router.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/t3t-io/screenrelay/internal/v1/metrics"
	"github.com/t3t-io/screenrelay/internal/v1/ratelimit"
	"github.com/t3t-io/screenrelay/internal/v1/types"
	"go.uber.org/zap"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub accepts WebSocket connections and binds them to the frame router.
type Hub struct {
	router         types.FrameRouter
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	devMode        bool
}

// NewHub creates a Hub. rateLimiter may be nil to disable connect limits.
func NewHub(router types.FrameRouter, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string, devMode bool) *Hub {
	return &Hub{
		router:         router,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
		devMode:        devMode,
	}
}

// ServeWs upgrades the request, classifies the peer, and starts its pumps.
//
// Responses:
//   - 429 when the per-IP connect budget is exhausted.
//   - 403 when the Origin header fails validation.
//   - Upgrades to WebSocket on success.
func (h *Hub) ServeWs(c *gin.Context) {
	// Rate limiting first, before any other work.
	if h.rateLimiter != nil && !h.devMode {
		if !h.rateLimiter.CheckWebSocket(c) {
			return // Response already written by CheckWebSocket
		}
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	classification := Classify(c.Request)

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, classification)
}

// HandleConnection takes an established WebSocket connection, registers
// the peer with the router, and starts its message pumps. Split out from
// ServeWs so tests can drive it with a mock connection.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, classification types.Classification) {
	client := &Client{
		conn:           conn,
		router:         h.router,
		sid:            types.SidType(uuid.New().String()),
		classification: classification,
		remoteAddr:     c.ClientIP(),
		send:           make(chan []byte, sendBufferSize),
	}

	metrics.IncConnection()

	h.router.OnConnect(client)

	go client.writePump()
	go client.readPump()
}

// validateOrigin checks if the request origin is in the allowed list. An
// absent Origin header means a non-browser client and is allowed; a "*"
// entry allows everything.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // Allow non-browser clients (agents, test harnesses)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(r.Context(), "invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return nil
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
