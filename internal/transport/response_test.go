package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/intake/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "world", body["hello"])
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code string
		want int
	}{
		{model.NewNotFoundError("session not found"), model.ErrNotFound, http.StatusNotFound},
		{model.NewSessionClosedError("s1"), model.ErrSessionClosed, http.StatusGone},
		{model.NewReadOnlyError(), model.ErrReadOnly, http.StatusConflict},
		{model.NewUnknownKeyError("mystery"), model.ErrUnknownKey, http.StatusUnprocessableEntity},
		{model.NewShapeMismatchError("ceiling_hoist", model.CategoryBinary, model.ValueList), model.ErrShapeMismatch, http.StatusUnprocessableEntity},
		{model.NewRateLimitedError(), model.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("apply set_value: %w", model.NewReadOnlyError()), model.ErrReadOnly, http.StatusConflict},
		{fmt.Errorf("something went wrong"), model.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			assert.Equal(t, tt.want, w.Code)
			var resp struct {
				Error model.ErrorEnvelope `json:"error"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Key string `json:"key"`
	}
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"key":"ceiling_hoist"}`, false},
		{"empty", ``, true},
		{"malformed", `{"key":`, true},
		{"unknown field", `{"key":"x","extra":1}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var dst body
			err := decodeJSON(httptest.NewRecorder(), r, &dst)
			if tt.wantErr {
				assert.Equal(t, model.ErrBadRequest, model.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ceiling_hoist", dst.Key)
		})
	}
}
