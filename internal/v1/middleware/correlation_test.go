package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/t3t-io/screenrelay/internal/v1/logging"
)

func setup() *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CorrelationID())
	engine.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(string(logging.CorrelationIDKey)))
	})
	return engine
}

func TestCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	engine := setup()
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	id := w.Header().Get(HeaderXCorrelationID)
	assert.NotEmpty(t, id)
	// The same ID reaches the handler context.
	assert.Equal(t, id, w.Body.String())
}

func TestCorrelationIDPreservedWhenPresent(t *testing.T) {
	engine := setup()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/ping", nil)
	r.Header.Set(HeaderXCorrelationID, "fixed-id")
	engine.ServeHTTP(w, r)

	assert.Equal(t, "fixed-id", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "fixed-id", w.Body.String())
}
