package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantMsg  string
	}{
		{"app error keeps its type", NewNotFoundError("users"), ErrorTypeNotFound, "operation 2: "},
		{"plain error becomes internal", stderrors.New("boom"), ErrorTypeInternal, "operation 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap(tt.err, "operation 2")

			appErr := GetAppError(wrapped)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.wantType, appErr.Type)
			assert.Contains(t, appErr.Message, tt.wantMsg)
		})
	}

	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestErrorHandler_MiddlewareRecoversPanics(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)
	handler := h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("compiler exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Error)
	assert.Equal(t, string(ErrorTypeInternal), body.Type)
}

func TestErrorHandler_BatchErrorIsMultiStatus(t *testing.T) {
	h := NewErrorHandler(zap.NewNop(), false)
	err := NewBatchError("flush", 2, map[string]error{"users/u1": NewStorageError("insert", stderrors.New("disk full"))})

	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/memory", nil), err)

	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(ErrorTypePartialBatch), body.Type)
	assert.Contains(t, body.Details["failures"], "users/u1")
}
