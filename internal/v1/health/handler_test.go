package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t3t-io/screenrelay/internal/v1/types"
)

type stubPeers struct {
	n        int
	internal types.SidType
}

func (s *stubPeers) Len() int { return s.n }
func (s *stubPeers) InternalSid() (types.SidType, bool) {
	return s.internal, s.internal != ""
}

type stubDiscovery struct{ active bool }

func (s *stubDiscovery) Active() bool { return s.active }

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/health/live", h.Liveness)
	engine.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestLiveness(t *testing.T) {
	h := NewHandler(&stubPeers{}, nil)
	w, body := serve(t, h, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestReadinessWithWorkerAndDiscovery(t *testing.T) {
	h := NewHandler(&stubPeers{n: 2, internal: "worker-sid"}, &stubDiscovery{active: true})
	w, body := serve(t, h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])

	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["registry"])
	assert.Equal(t, "connected", checks["internal_worker"])
	assert.Equal(t, "active", checks["mdns"])
}

func TestReadinessStaysReadyWithoutWorker(t *testing.T) {
	h := NewHandler(&stubPeers{n: 1}, &stubDiscovery{active: false})
	w, body := serve(t, h, "/health/ready")

	// Mobile clients are served regardless of the worker, so absence is
	// reported without failing the probe.
	assert.Equal(t, http.StatusOK, w.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "absent", checks["internal_worker"])
	assert.Equal(t, "inactive", checks["mdns"])
}

func TestReadinessWithoutDiscoveryOmitsCheck(t *testing.T) {
	h := NewHandler(&stubPeers{}, nil)
	w, body := serve(t, h, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	checks := body["checks"].(map[string]any)
	_, present := checks["mdns"]
	assert.False(t, present)
}

func TestReadinessUnavailableWithoutRegistry(t *testing.T) {
	h := NewHandler(nil, nil)
	w, body := serve(t, h, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
}
