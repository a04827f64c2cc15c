package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTest = Validation("insufficient_funds", "insufficient funds")

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("%w: available 10.00, required 49.99", errTest)

	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "insufficient_funds", CodeOf(err))
	assert.True(t, errors.Is(err, errTest))
	assert.True(t, Is(err, KindValidation))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal_error", CodeOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindConflict))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(KindExternal))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestRespond(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{"validation", fmt.Errorf("%w: need 5.00", errTest), 400, "insufficient_funds", "insufficient funds: need 5.00"},
		{"not found", NotFound("purchase_not_found", "purchase not found"), 404, "purchase_not_found", "purchase not found"},
		{"internal hides message", errors.New("pq: connection refused"), 500, "internal_error", "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			Respond(c, tt.err)

			require.Equal(t, tt.wantCode, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantErr, body["error"])
			assert.Equal(t, tt.wantMsg, body["message"])
		})
	}
}
