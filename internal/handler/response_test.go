package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
)

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	writeError(c, apperrors.RateLimitError("上游触发限额"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "上游触发限额", gjson.Get(body, "error.message").String())
	require.Equal(t, "rate_limit_error", gjson.Get(body, "error.type").String())
	require.Equal(t, apperrors.ReasonRateLimit, gjson.Get(body, "error.code").String())
}

func TestWriteErrorWrapsPlainError(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	writeError(c, assertableError("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "server_error", gjson.Get(rec.Body.String(), "error.type").String())
}

type assertableError string

func (e assertableError) Error() string { return string(e) }
