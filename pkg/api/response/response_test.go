package response

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"status": "COMPLETED"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"COMPLETED"}`, w.Body.String())
}

func TestJSON_NilBody(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusNoContent, nil)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Body.String())
	require.Empty(t, w.Header().Get("Content-Type"))
}

func TestJSON_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]float64{"amount": math.Inf(1)})

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, ErrCodeInternalServer, decodeError(t, w).Code)
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, ErrCodeNotFound, "saga not found", "req-456")

	require.Equal(t, http.StatusNotFound, w.Code)
	detail := decodeError(t, w)
	require.Equal(t, ErrCodeNotFound, detail.Code)
	require.Equal(t, "saga not found", detail.Message)
	require.Equal(t, "req-456", detail.RequestID)
	require.Empty(t, detail.Details)
}

func TestRouterFallbacks(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set(RequestIDHeader, "req-9")
	NotFound(w, httptest.NewRequest(http.MethodGet, "/api/v2/sagas", nil))

	require.Equal(t, http.StatusNotFound, w.Code)
	detail := decodeError(t, w)
	require.Equal(t, "no route for /api/v2/sagas", detail.Message)
	require.Equal(t, "req-9", detail.RequestID)

	w = httptest.NewRecorder()
	MethodNotAllowed(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sagas", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, ErrCodeMethodNotAllowed, decodeError(t, w).Code)
}

func TestValidationError(t *testing.T) {
	type query struct {
		Status string `validate:"omitempty,oneof=RUNNING COMPLETED FAILED"`
		Limit  int    `validate:"min=0,max=500"`
	}

	err := validator.New().Struct(&query{Status: "PAUSED", Limit: 900})
	require.Error(t, err)

	w := httptest.NewRecorder()
	ValidationError(w, err, "req-1")

	require.Equal(t, http.StatusBadRequest, w.Code)
	detail := decodeError(t, w)
	require.Equal(t, ErrCodeValidationFailed, detail.Code)
	require.Equal(t, "req-1", detail.RequestID)
	require.Equal(t, "must be one of [RUNNING COMPLETED FAILED]", detail.Details["Status"])
	require.Equal(t, "must be at most 500", detail.Details["Limit"])
}

func TestValidationError_PlainError(t *testing.T) {
	w := httptest.NewRecorder()
	ValidationError(w, errors.New("limit must be an integer"), "req-2")

	detail := decodeError(t, w)
	require.Equal(t, "limit must be an integer", detail.Message)
	require.Empty(t, detail.Details)
}
