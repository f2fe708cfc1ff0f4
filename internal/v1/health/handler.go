// Package health exposes Kubernetes-style liveness and readiness probes
// for the relay. Liveness only proves the process is up; readiness
// reports the state of the pieces the relay depends on.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/t3t-io/screenrelay/internal/v1/types"
)

// PeerSource is the slice of the registry the probes need.
type PeerSource interface {
	Len() int
	InternalSid() (types.SidType, bool)
}

// DiscoverySource reports whether the mDNS advertisement is registered.
type DiscoverySource interface {
	Active() bool
}

// Handler serves the probe endpoints.
type Handler struct {
	peers     PeerSource
	discovery DiscoverySource
}

// NewHandler creates a health handler. discovery may be nil when mDNS is
// not in use.
func NewHandler(peers PeerSource, discovery DiscoverySource) *Handler {
	return &Handler{peers: peers, discovery: discovery}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is
// alive; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. The relay serves mobile clients
// even with no workstation agent connected, so a missing internal worker
// or inactive mDNS record is reported but does not flip readiness; only
// an unusable registry would.
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	ready := true

	if h.peers == nil {
		checks["registry"] = "unhealthy"
		ready = false
	} else {
		checks["registry"] = "healthy"
		if _, ok := h.peers.InternalSid(); ok {
			checks["internal_worker"] = "connected"
		} else {
			checks["internal_worker"] = "absent"
		}
	}

	if h.discovery != nil {
		if h.discovery.Active() {
			checks["mdns"] = "active"
		} else {
			checks["mdns"] = "inactive"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
