package eventlog

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/logger"
)

func TestHandlerRecordAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	producer := newRecordingProducer()
	svc, _ := newTestService(producer)

	router := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(router)

	serve := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := serve(http.MethodPost, "/api/v1/events", `{"type":"TransactionUpdate","scope":"0xabc","payload":{"status":"confirmed"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"processed":false`)

	w = serve(http.MethodGet, "/api/v1/events/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)

	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/api/v1/events/2", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, "/api/v1/events/x", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodPost, "/api/v1/events", `{"type":"Nope","payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodPost, "/api/v1/events", `{"type":"TransactionUpdate","payload":[1]}`).Code)
}
