package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/delivery-platform/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCorrelation_GeneratesMissingIDs(t *testing.T) {
	r := gin.New()
	r.Use(Correlation())

	var correlationID, requestID string
	r.GET("/ping", func(c *gin.Context) {
		correlationID = logger.CorrelationIDFromContext(c.Request.Context())
		requestID = logger.RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.NotEmpty(t, correlationID)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, correlationID, w.Header().Get(HeaderCorrelationID))
	assert.Equal(t, requestID, w.Header().Get(HeaderRequestID))
}

func TestCorrelation_PropagatesIncomingIDs(t *testing.T) {
	r := gin.New()
	r.Use(Correlation())
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderCorrelationID, "corr-123")
	req.Header.Set(HeaderRequestID, "req-456")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "corr-123", w.Header().Get(HeaderCorrelationID))
	assert.Equal(t, "req-456", w.Header().Get(HeaderRequestID))
}

func TestRecovery_ReturnsInternalError(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) {
		panic("что-то пошло не так")
	})

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestRequestLogging_PassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogging("test-service"))
	r.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
