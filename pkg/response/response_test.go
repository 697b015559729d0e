package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	Success(w, map[string]string{"id": "1234"})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"success":true,"data":{"id":"1234"}}`, w.Body.String())
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Conflict(w, "document already managed: 1234")

	require.Equal(t, http.StatusConflict, w.Code)
	require.JSONEq(t, `{"success":false,"error":"document already managed: 1234"}`, w.Body.String())
}
