package handler

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	"github.com/Wei-Shaw/gembiz2api/internal/handler/dto"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/service"
)

const maxUploadBytes = 100 << 20

// errorRecorder 把上传失败计入账号的连续错误数。
type errorRecorder interface {
	RecordError(note string)
	ClearError(note string)
}

// FileHandler 处理 OpenAI 兼容的文件接口和图片下载。
type FileHandler struct {
	store    *service.AccountStore
	minter   *service.JWTMinter
	chat     *service.ChatService
	files    *service.FileUploadService
	images   *service.ImageService
	recorder errorRecorder
	logger   *zap.Logger
}

// NewFileHandler 创建文件接口处理器。recorder 可为 nil。
func NewFileHandler(store *service.AccountStore, minter *service.JWTMinter, chat *service.ChatService, files *service.FileUploadService, images *service.ImageService, recorder errorRecorder, logger *zap.Logger) *FileHandler {
	return &FileHandler{
		store:    store,
		minter:   minter,
		chat:     chat,
		files:    files,
		images:   images,
		recorder: recorder,
		logger:   logger.Named("handler.file"),
	}
}

// Upload 处理 POST /v1/files。上传失败时换账号重试，直到账号用尽。
func (h *FileHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, apperrors.InvalidRequest("缺少 file 字段"))
		return
	}
	if fileHeader.Size > maxUploadBytes {
		writeError(c, apperrors.InvalidRequest("文件超过大小限制"))
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, apperrors.InvalidRequest("读取上传文件失败"))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		writeError(c, apperrors.InvalidRequest("读取上传文件失败"))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(fileHeader.Filename))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx := c.Request.Context()
	excluded := map[int]struct{}{}
	var lastErr error

	for attempt := 0; attempt < h.store.Count(); attempt++ {
		account, err := h.store.SelectAccount(excluded)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		excluded[account.Index] = struct{}{}

		mapping, err := h.uploadWith(c, account, content, fileHeader.Filename, mimeType)
		if err == nil {
			if h.recorder != nil {
				h.recorder.ClearError(account.Note)
			}
			c.JSON(http.StatusOK, dto.FileObject{
				ID:        mapping.OpenAIFileID,
				Object:    "file",
				Bytes:     mapping.Size,
				CreatedAt: mapping.CreatedAt.Unix(),
				Filename:  mapping.FileName,
				Purpose:   "assistants",
			})
			return
		}
		lastErr = err

		h.logger.Warn("file.upload_retry",
			zap.Int("account_index", account.Index),
			zap.Error(err))
		switch {
		case apperrors.IsReason(err, apperrors.ReasonAuthError):
			h.store.MarkCooldown(account.Index, domain.CooldownAuthError)
			if h.recorder != nil {
				h.recorder.RecordError(account.Note)
			}
		case apperrors.IsReason(err, apperrors.ReasonRateLimit):
			h.store.MarkCooldown(account.Index, domain.CooldownRateLimit)
		default:
			h.store.MarkCooldown(account.Index, domain.CooldownGenericError)
			if h.recorder != nil {
				h.recorder.RecordError(account.Note)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = apperrors.NoAvailableAccount("没有可用账号")
	}
	writeError(c, lastErr)
}

// uploadWith 用指定账号上传。账号还没有上传 session 时先开一个，
// 聊天绑定的 session 独立于这里的账号级 session。
func (h *FileHandler) uploadWith(c *gin.Context, account domain.Account, content []byte, fileName, mimeType string) (*service.FileMapping, error) {
	ctx := c.Request.Context()
	h.store.RecordRequestStart(account.Index)

	jwt, err := h.minter.EnsureJWT(ctx, account)
	if err != nil {
		h.store.RecordRequestEnd(account.Index, false, 0)
		return nil, err
	}

	sessionName := account.State.SessionName
	if sessionName == "" {
		sessionName, err = h.chat.CreateSession(ctx, account, jwt)
		if err != nil {
			h.store.RecordRequestEnd(account.Index, false, 0)
			return nil, err
		}
		h.store.UpdateSession(account.Index, sessionName)
	}

	mapping, err := h.files.UploadAndMap(ctx, jwt, sessionName, account.TeamID, content, fileName, mimeType)
	h.store.RecordRequestEnd(account.Index, err == nil, 0)
	return mapping, err
}

// List 处理 GET /v1/files。
func (h *FileHandler) List(c *gin.Context) {
	mappings := h.files.ListMappings()
	out := dto.FileList{Object: "list", Data: make([]dto.FileObject, 0, len(mappings))}
	for _, m := range mappings {
		out.Data = append(out.Data, dto.FileObject{
			ID:        m.OpenAIFileID,
			Object:    "file",
			Bytes:     m.Size,
			CreatedAt: m.CreatedAt.Unix(),
			Filename:  m.FileName,
			Purpose:   "assistants",
		})
	}
	c.JSON(http.StatusOK, out)
}

// Get 处理 GET /v1/files/:file_id。
func (h *FileHandler) Get(c *gin.Context) {
	fileID := c.Param("file_id")
	m, ok := h.files.Mapping(fileID)
	if !ok {
		writeError(c, apperrors.NotFound("文件不存在: %s", fileID))
		return
	}
	c.JSON(http.StatusOK, dto.FileObject{
		ID:        m.OpenAIFileID,
		Object:    "file",
		Bytes:     m.Size,
		CreatedAt: m.CreatedAt.Unix(),
		Filename:  m.FileName,
		Purpose:   "assistants",
	})
}

// Delete 处理 DELETE /v1/files/:file_id。只删本地映射，不动上游。
func (h *FileHandler) Delete(c *gin.Context) {
	fileID := c.Param("file_id")
	if !h.files.DeleteMapping(fileID) {
		writeError(c, apperrors.NotFound("文件不存在: %s", fileID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": fileID, "object": "file", "deleted": true})
}

// ServeImage 处理 GET /images/:conversation_id/:filename，不鉴权。
func (h *FileHandler) ServeImage(c *gin.Context) {
	path, ok := h.images.ImagePath(c.Param("conversation_id"), c.Param("filename"))
	if !ok {
		writeError(c, apperrors.NotFound("图片不存在"))
		return
	}
	c.File(path)
}

// ListImages 处理 GET /images/:conversation_id，列出会话的全部图片。
func (h *FileHandler) ListImages(c *gin.Context) {
	convID := c.Param("conversation_id")
	images := h.images.ListConversationImages(convID)
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": convID,
		"images":          images,
		"count":           len(images),
	})
}
