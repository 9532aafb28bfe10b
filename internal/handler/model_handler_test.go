package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
)

func newModelRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewModelHandler()
	r := gin.New()
	r.GET("/v1/models", h.List)
	r.GET("/v1/models/:model_id", h.Get)
	return r
}

func TestModelList(t *testing.T) {
	t.Parallel()
	r := newModelRouter()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "list", gjson.Get(body, "object").String())
	require.Equal(t, int64(len(domain.DefaultModels)), gjson.Get(body, "data.#").Int())
	require.Equal(t, "gemini-2.5-flash", gjson.Get(body, "data.0.id").String())
	require.Equal(t, "google", gjson.Get(body, "data.0.owned_by").String())
}

func TestModelGet(t *testing.T) {
	t.Parallel()
	r := newModelRouter()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models/gemini-3-pro", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-3-pro", gjson.Get(rec.Body.String(), "id").String())
	require.Equal(t, "model", gjson.Get(rec.Body.String(), "object").String())
}

func TestModelGetUnknown(t *testing.T) {
	t.Parallel()
	r := newModelRouter()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models/gpt-4", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}
