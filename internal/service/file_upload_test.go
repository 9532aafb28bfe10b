package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/imroc/req/v3"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

func newUploadFixture(t *testing.T, handler http.HandlerFunc) *FileUploadService {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewFileUploadService(req.C().SetTimeout(5*time.Second), "", zap.NewNop())
	require.NoError(t, err)
	svc.uploadURL = srv.URL
	return svc
}

func TestParseDataURL(t *testing.T) {
	t.Parallel()

	img, ok := ParseDataURL("data:image/jpeg;base64,aGVsbG8=")
	require.True(t, ok)
	require.Equal(t, "image/jpeg", img.MimeType)
	require.Equal(t, "aGVsbG8=", img.Base64Data)

	_, ok = ParseDataURL("https://example.com/a.png")
	require.False(t, ok)
	_, ok = ParseDataURL("data:image/png;base64,")
	require.False(t, ok)
}

func TestUploadAndMapCachesContentForReupload(t *testing.T) {
	t.Parallel()

	var uploads []string
	svc := newUploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		uploads = append(uploads, string(raw))
		_, _ = w.Write([]byte(`{"addContextFileResponse":{"fileId":"gem-` +
			gjson.GetBytes(raw, "addContextFileRequest.name").String() + `"}}`))
	})

	content := []byte("file payload")
	mapping, err := svc.UploadAndMap(context.Background(), "jwt", "sessions/one", "team-a", content, "doc.txt", "text/plain")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(mapping.OpenAIFileID, "file-"))
	require.Len(t, mapping.OpenAIFileID, len("file-")+24)
	require.Equal(t, "gem-sessions/one", mapping.GeminiFileID)
	require.Equal(t, len(content), mapping.Size)

	// 请求体里是 base64 后的内容和归属 session
	require.Equal(t, "team-a", gjson.Get(uploads[0], "configId").String())
	require.Equal(t, "doc.txt", gjson.Get(uploads[0], "addContextFileRequest.fileName").String())
	require.NotEmpty(t, gjson.Get(uploads[0], "addContextFileRequest.fileContents").String())

	// 换 session 重传复用缓存的内容
	newID, err := svc.ReuploadToSession(context.Background(), mapping.OpenAIFileID, "jwt", "sessions/two", "team-a")
	require.NoError(t, err)
	require.Equal(t, "gem-sessions/two", newID)

	got, ok := svc.Mapping(mapping.OpenAIFileID)
	require.True(t, ok)
	require.Equal(t, "sessions/two", got.SessionName)
	require.Equal(t, "gem-sessions/two", got.GeminiFileID)
}

func TestUploadAuthAndQuotaErrors(t *testing.T) {
	t.Parallel()

	status := 401
	svc := newUploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	_, err := svc.UploadToGemini(context.Background(), "jwt", "sessions/x", "team-a", []byte("x"), "a.txt", "text/plain")
	require.Error(t, err)

	status = 429
	_, err = svc.UploadToGemini(context.Background(), "jwt", "sessions/x", "team-a", []byte("x"), "a.txt", "text/plain")
	require.Error(t, err)
}

func TestCleanupExpiredMappings(t *testing.T) {
	t.Parallel()

	svc, err := NewFileUploadService(req.C(), "", zap.NewNop())
	require.NoError(t, err)

	svc.mu.Lock()
	svc.mappings["file-old"] = &FileMapping{OpenAIFileID: "file-old", CreatedAt: time.Now().Add(-48 * time.Hour)}
	svc.mappings["file-new"] = &FileMapping{OpenAIFileID: "file-new", CreatedAt: time.Now()}
	svc.mu.Unlock()

	require.Equal(t, 1, svc.CleanupExpired())
	_, ok := svc.Mapping("file-old")
	require.False(t, ok)
	_, ok = svc.Mapping("file-new")
	require.True(t, ok)
}

func TestUploadInlineImageFromURL(t *testing.T) {
	t.Parallel()

	imgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(imgSrv.Close)

	svc := newUploadFixture(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mime := gjson.GetBytes(raw, "addContextFileRequest.mimeType").String()
		require.Equal(t, "image/jpeg", mime)
		_, _ = w.Write([]byte(`{"addContextFileResponse":{"fileId":"gem-url-img"}}`))
	})

	fileID, err := svc.UploadInlineImage(context.Background(), "jwt", "sessions/one", "team-a",
		InputImage{URL: imgSrv.URL})
	require.NoError(t, err)
	require.Equal(t, "gem-url-img", fileID)
}
