// Package ratelimit implements connect-rate limiting backed by local
// memory. The relay is single-instance by design, so no shared store is
// involved.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/t3t-io/screenrelay/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

// RateLimiter holds the per-IP WebSocket connect limiter.
type RateLimiter struct {
	wsIP *limiter.Limiter
}

// New creates a RateLimiter from a rate in ulule's "<count>-<period>"
// format, e.g. "100-M" for 100 connects per minute per IP.
func New(wsIPRate string) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}

	store := memory.NewStore()
	return &RateLimiter{
		wsIP: limiter.New(store, rate),
	}, nil
}

// CheckWebSocket enforces the per-IP connect budget for an upgrade
// request. Returns false after writing a 429 response; limiter errors fail
// open so a limiter bug never takes down connectivity.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	key := "ws:ip:" + c.ClientIP()

	lctx, err := rl.wsIP.Get(c.Request.Context(), key)
	if err != nil {
		logging.Error(c.Request.Context(), "rate limiter failure, allowing request", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))

	if lctx.Reached {
		logging.Warn(c.Request.Context(), "websocket connect rate limited",
			zap.String("ip", c.ClientIP()))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}
