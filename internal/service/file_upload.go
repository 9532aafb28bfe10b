package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/pkg/proxyurl"
	"github.com/Wei-Shaw/gembiz2api/internal/pkg/proxyutil"
)

// DefaultAddContextFileURL 上游文件上传接口
const DefaultAddContextFileURL = "https://biz-discoveryengine.googleapis.com/v1alpha/locations/global/widgetAddContextFile"

// 客户端上传的文件映射保留一天
const fileMappingMaxAge = 24 * time.Hour

const maxInlineImageBytes = 20 << 20

var dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// FileMapping 对外 file_id 与上游 fileId 的映射。
//
// 上游 fileId 绑定在某个 session 上，换 session 后需要用缓存的
// 原始内容重新上传。
type FileMapping struct {
	OpenAIFileID string
	GeminiFileID string
	SessionName  string
	FileName     string
	MimeType     string
	Size         int
	CreatedAt    time.Time

	content []byte
}

// InputImage 请求里携带的图片，base64 内联或外部 URL 二选一。
type InputImage struct {
	MimeType   string
	Base64Data string
	URL        string
}

// FileUploadService 维护文件上传与 file_id 映射。
type FileUploadService struct {
	client     *req.Client
	urlFetcher *http.Client
	uploadURL  string
	logger     *zap.Logger

	mu       sync.RWMutex
	mappings map[string]*FileMapping
}

// NewFileUploadService 创建文件上传服务。上游走 client，
// 外部图片 URL 用独立的标准库客户端拉取（同样经过代理）。
func NewFileUploadService(client *req.Client, proxyURL string, logger *zap.Logger) (*FileUploadService, error) {
	transport := &http.Transport{}
	trimmed, _, err := proxyurl.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	if trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, err
		}
		if err := proxyutil.ConfigureTransportProxy(transport, parsed); err != nil {
			return nil, err
		}
	}

	return &FileUploadService{
		client:     client,
		urlFetcher: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		uploadURL:  DefaultAddContextFileURL,
		logger:     logger.Named("file_upload"),
		mappings:   map[string]*FileMapping{},
	}, nil
}

// UploadToGemini 把文件内容推到当前 session 的上下文里。
func (s *FileUploadService) UploadToGemini(ctx context.Context, jwt, sessionName, teamID string, content []byte, fileName, mimeType string) (string, error) {
	body := `{"additionalParams":{"token":"-"}}`
	body, _ = sjson.Set(body, "configId", teamID)
	body, _ = sjson.Set(body, "addContextFileRequest.fileContents", base64.StdEncoding.EncodeToString(content))
	body, _ = sjson.Set(body, "addContextFileRequest.fileName", fileName)
	body, _ = sjson.Set(body, "addContextFileRequest.mimeType", mimeType)
	body, _ = sjson.Set(body, "addContextFileRequest.name", sessionName)

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(upstreamHeaders(jwt)).
		SetBodyJsonString(body).
		Post(s.uploadURL)
	if err != nil {
		return "", apperrors.RequestError("文件上传请求失败").WithCause(err)
	}

	switch resp.StatusCode {
	case 200:
	case 401:
		return "", apperrors.AuthError("文件上传认证失败")
	case 429:
		return "", apperrors.RateLimitError("文件上传触发限额")
	default:
		return "", apperrors.RequestError("文件上传失败: %d", resp.StatusCode)
	}

	fileID := gjson.GetBytes(resp.Bytes(), "addContextFileResponse.fileId").String()
	if fileID == "" {
		return "", apperrors.RequestError("上传响应缺少 fileId")
	}

	s.logger.Info("file.uploaded",
		zap.String("file_name", fileName),
		zap.Int("bytes", len(content)),
		zap.String("gemini_file_id", fileID))
	return fileID, nil
}

// UploadAndMap 上传文件并登记对外 file_id。内容会缓存在映射里，
// 便于换 session 后重传。
func (s *FileUploadService) UploadAndMap(ctx context.Context, jwt, sessionName, teamID string, content []byte, fileName, mimeType string) (*FileMapping, error) {
	geminiID, err := s.UploadToGemini(ctx, jwt, sessionName, teamID, content, fileName, mimeType)
	if err != nil {
		return nil, err
	}

	mapping := &FileMapping{
		OpenAIFileID: "file-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
		GeminiFileID: geminiID,
		SessionName:  sessionName,
		FileName:     fileName,
		MimeType:     mimeType,
		Size:         len(content),
		CreatedAt:    time.Now(),
		content:      content,
	}

	s.mu.Lock()
	s.mappings[mapping.OpenAIFileID] = mapping
	s.mu.Unlock()
	return mapping, nil
}

// ReuploadToSession 把缓存的文件内容重传到新 session，返回新的上游 fileId。
func (s *FileUploadService) ReuploadToSession(ctx context.Context, openaiFileID, jwt, newSessionName, teamID string) (string, error) {
	s.mu.RLock()
	mapping, ok := s.mappings[openaiFileID]
	s.mu.RUnlock()
	if !ok {
		return "", apperrors.NotFound("找不到文件映射: %s", openaiFileID)
	}
	if mapping.content == nil {
		return "", apperrors.RequestError("文件内容未缓存，无法重新上传: %s", openaiFileID)
	}

	geminiID, err := s.UploadToGemini(ctx, jwt, newSessionName, teamID, mapping.content, mapping.FileName, mapping.MimeType)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	mapping.GeminiFileID = geminiID
	mapping.SessionName = newSessionName
	s.mu.Unlock()

	s.logger.Info("file.reuploaded",
		zap.String("openai_file_id", openaiFileID),
		zap.String("session", newSessionName))
	return geminiID, nil
}

// Mapping 返回文件映射。
func (s *FileUploadService) Mapping(openaiFileID string) (*FileMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[openaiFileID]
	return m, ok
}

// ListMappings 返回全部文件映射。
func (s *FileUploadService) ListMappings() []*FileMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FileMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	return out
}

// DeleteMapping 删除文件映射。
func (s *FileUploadService) DeleteMapping(openaiFileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[openaiFileID]; !ok {
		return false
	}
	delete(s.mappings, openaiFileID)
	return true
}

// CleanupExpired 清理过期的文件映射，返回清理数量。
func (s *FileUploadService) CleanupExpired() int {
	cutoff := time.Now().Add(-fileMappingMaxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, m := range s.mappings {
		if m.CreatedAt.Before(cutoff) {
			delete(s.mappings, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("file.cleanup", zap.Int("removed", removed))
	}
	return removed
}

// UploadInlineImage 把请求里的内联图片推到当前 session，返回上游 fileId。
func (s *FileUploadService) UploadInlineImage(ctx context.Context, jwt, sessionName, teamID string, img InputImage) (string, error) {
	var content []byte
	mimeType := img.MimeType

	switch {
	case img.Base64Data != "":
		data, err := base64.StdEncoding.DecodeString(img.Base64Data)
		if err != nil {
			return "", apperrors.InvalidRequest("图片 base64 解码失败").WithCause(err)
		}
		content = data
		if mimeType == "" {
			mimeType = "image/png"
		}

	case img.URL != "":
		data, fetchedMime, err := s.fetchURL(ctx, img.URL)
		if err != nil {
			return "", err
		}
		content = data
		if fetchedMime != "" {
			mimeType = fetchedMime
		}

	default:
		return "", apperrors.InvalidRequest("图片缺少数据")
	}

	fileName := fmt.Sprintf("inline_%s%s",
		strings.ReplaceAll(uuid.New().String(), "-", "")[:8], extForMime(mimeType))
	return s.UploadToGemini(ctx, jwt, sessionName, teamID, content, fileName, mimeType)
}

func (s *FileUploadService) fetchURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apperrors.InvalidRequest("图片 URL 不合法").WithCause(err)
	}
	resp, err := s.urlFetcher.Do(httpReq)
	if err != nil {
		return nil, "", apperrors.RequestError("下载图片 URL 失败").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.RequestError("下载图片 URL 返回 %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageBytes))
	if err != nil {
		return nil, "", apperrors.RequestError("读取图片内容失败").WithCause(err)
	}

	mime := resp.Header.Get("Content-Type")
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return data, mime, nil
}

// ParseDataURL 解析 data:image/png;base64,xxx 形式的图片。
func ParseDataURL(dataURL string) (InputImage, bool) {
	m := dataURLPattern.FindStringSubmatch(dataURL)
	if m == nil {
		return InputImage{}, false
	}
	return InputImage{MimeType: m[1], Base64Data: m[2]}, true
}
