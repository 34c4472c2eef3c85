package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestRecovery(t *testing.T) {
	log, path := fileLogger(t, logger.InfoLevel)
	router := newTestRouter(RequestID(), Recovery(log))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/panic", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, response.ErrCodeInternalServer, body.Error.Code)
	require.Equal(t, "internal server error", body.Error.Message)
	require.NotContains(t, w.Body.String(), "store exploded")
	require.Equal(t, w.Header().Get("X-Request-ID"), body.Error.RequestID)

	lines := readLogLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, "store exploded", lines[0]["panic"])
	require.NotEmpty(t, lines[0]["stack"])
}

func TestRecovery_PassThrough(t *testing.T) {
	log, path := fileLogger(t, logger.InfoLevel)
	router := newTestRouter(Recovery(log))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas/order-1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, readLogLines(t, path))
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	log, _ := fileLogger(t, logger.InfoLevel)
	handler := Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
