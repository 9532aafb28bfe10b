package service

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
)

const (
	downloadBaseURL     = "https://biz-discoveryengine.googleapis.com/v1alpha"
	listFileMetadataURL = downloadBaseURL + "/locations/global/widgetListSessionFileMetadata"

	imageCacheTTL = time.Hour
)

var imageExtByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func extForMime(mime string) string {
	if ext, ok := imageExtByMime[mime]; ok {
		return ext
	}
	return ".png"
}

// SavedImage 一张已落盘（或待落盘）的生成图片。
type SavedImage struct {
	Base64Data string
	MimeType   string
	FileName   string
	FilePath   string
}

// ImageService 负责从上游下载生成的图片并按会话目录落盘。
type ImageService struct {
	client     *req.Client
	imagesRoot string
	cache      *gocache.Cache
	logger     *zap.Logger
}

// NewImageService 创建图片服务。client 用文件档位的上游客户端。
func NewImageService(client *req.Client, imagesRoot string, logger *zap.Logger) *ImageService {
	return &ImageService{
		client:     client,
		imagesRoot: imagesRoot,
		cache:      gocache.New(imageCacheTTL, 10*time.Minute),
		logger:     logger.Named("image"),
	}
}

func downloadURL(sessionName, fileID string) string {
	return fmt.Sprintf("%s/%s:downloadFile?fileId=%s&alt=media", downloadBaseURL, sessionName, fileID)
}

// DownloadAndSave 下载文件引用的图片并保存到会话目录。
//
// 文件可能挂在别的 session 下，先查一次文件元数据拿实际 session，
// 查不到就用传入的 session 直接下。
func (s *ImageService) DownloadAndSave(ctx context.Context, jwt, sessionName, fileID, mimeType, conversationID, teamID string) (*SavedImage, error) {
	cacheKey := sessionName + ":" + fileID
	if cached, ok := s.cache.Get(cacheKey); ok {
		if img, ok := cached.(*SavedImage); ok {
			return img, nil
		}
	}

	actualSession := sessionName
	var fileName string
	if teamID != "" {
		if meta, ok := s.sessionFileMetadata(ctx, jwt, sessionName, teamID)[fileID]; ok {
			if session := meta.Get("session").String(); session != "" {
				actualSession = session
			}
			fileName = meta.Get("name").String()
		}
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(upstreamHeaders(jwt)).
		Get(downloadURL(actualSession, fileID))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("下载图片失败: %d", resp.StatusCode)
	}
	data := resp.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("下载图片为空: %s", fileID)
	}

	path, err := s.saveBytes(data, mimeType, conversationID, fileName)
	if err != nil {
		return nil, err
	}

	img := &SavedImage{
		Base64Data: base64.StdEncoding.EncodeToString(data),
		MimeType:   mimeType,
		FileName:   filepath.Base(path),
		FilePath:   path,
	}
	s.cache.SetDefault(cacheKey, img)
	s.logger.Info("image.downloaded",
		zap.String("file_id", fileID),
		zap.String("conversation_id", conversationID),
		zap.Int("bytes", len(data)))
	return img, nil
}

// sessionFileMetadata 拉取会话里 AI 生成文件的元数据，fileId 为键。
// 这是尽力而为的辅助查询，失败返回空表。
func (s *ImageService) sessionFileMetadata(ctx context.Context, jwt, sessionName, teamID string) map[string]gjson.Result {
	body := `{"additionalParams":{"token":"-"}}`
	body, _ = sjson.Set(body, "configId", teamID)
	body, _ = sjson.Set(body, "listSessionFileMetadataRequest.name", sessionName)
	body, _ = sjson.Set(body, "listSessionFileMetadataRequest.filter", "file_origin_type = AI_GENERATED")

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(upstreamHeaders(jwt)).
		SetBodyJsonString(body).
		Post(listFileMetadataURL)
	if err != nil || resp.StatusCode != 200 {
		if err != nil {
			s.logger.Warn("image.metadata_failed", zap.Error(err))
		}
		return map[string]gjson.Result{}
	}

	result := map[string]gjson.Result{}
	gjson.GetBytes(resp.Bytes(), "listSessionFileMetadataResponse.fileMetadata").
		ForEach(func(_, meta gjson.Result) bool {
			if fid := meta.Get("fileId").String(); fid != "" {
				result[fid] = meta
			}
			return true
		})
	return result
}

// SaveBase64Image 保存内联返回的 base64 图片，返回文件名。
func (s *ImageService) SaveBase64Image(b64Data, mimeType, conversationID string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64Data)
	if err != nil {
		return "", fmt.Errorf("解码 base64 失败: %w", err)
	}
	path, err := s.saveBytes(data, mimeType, conversationID, "")
	if err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}

func (s *ImageService) saveBytes(data []byte, mimeType, conversationID, fileName string) (string, error) {
	if fileName == "" {
		sum := md5.Sum(data)
		fileName = fmt.Sprintf("img_%d_%s%s",
			time.Now().Unix(), hex.EncodeToString(sum[:])[:8], extForMime(mimeType))
	}

	dir := filepath.Join(s.imagesRoot, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ImagePath 返回图片文件的绝对路径。文件名带路径分隔符一律拒绝。
func (s *ImageService) ImagePath(conversationID, fileName string) (string, bool) {
	if strings.ContainsAny(conversationID, `/\`) || strings.ContainsAny(fileName, `/\`) ||
		conversationID == ".." || fileName == ".." {
		return "", false
	}
	path := filepath.Join(s.imagesRoot, conversationID, fileName)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// ImageFileInfo 会话目录下的一张图片。
type ImageFileInfo struct {
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ListConversationImages 列出会话目录下的全部图片。
func (s *ImageService) ListConversationImages(conversationID string) []ImageFileInfo {
	if strings.ContainsAny(conversationID, `/\`) || conversationID == ".." {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(s.imagesRoot, conversationID))
	if err != nil {
		return nil
	}

	out := make([]ImageFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, ImageFileInfo{
			FileName:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return out
}

// CleanupOldImages 删除超过 maxAge 的图片文件和清空后的目录。
func (s *ImageService) CleanupOldImages(maxAge time.Duration) int {
	entries, err := os.ReadDir(s.imagesRoot)
	if err != nil {
		return 0
	}

	deleted := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.imagesRoot, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		remaining := 0
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if os.Remove(filepath.Join(dir, f.Name())) == nil {
					deleted++
					continue
				}
			}
			remaining++
		}
		if remaining == 0 {
			_ = os.Remove(dir)
		}
	}

	if deleted > 0 {
		s.logger.Info("image.cleanup", zap.Int("deleted", deleted))
	}
	return deleted
}
