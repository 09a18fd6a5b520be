package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"herald/internal/logger"
)

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandlerGetAndList(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, testNotificationConfig())
	sub := f.subscribe(t, "", nil, "")
	f.runAll(t)
	for i := 0; i < 3; i++ {
		ev := f.record(t, "x", `{}`)
		_, err := f.dispatcher.FanOut(context.Background(), ev.ID)
		require.NoError(t, err)
	}

	router := gin.New()
	NewHandler(f.dispatcher, logger.NopLogger()).RegisterRoutes(router)

	w := get(router, "/api/v1/notifications/1")
	require.Equal(t, http.StatusOK, w.Code)
	var n Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, sub.ID, n.SubscriptionID)
	assert.Equal(t, StatusActive, n.Status)

	base := "/api/v1/subscriptions/" + strconv.FormatInt(sub.ID, 10) + "/notifications"
	w = get(router, base+"?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var listed []Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)

	w = get(router, base+"?status=Acknowledged")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandlerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, testNotificationConfig())
	router := gin.New()
	NewHandler(f.dispatcher, logger.NopLogger()).RegisterRoutes(router)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/notifications/5").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/notifications/five").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/subscriptions/1/notifications?status=Nope").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/subscriptions/1/notifications?limit=0").Code)
}
