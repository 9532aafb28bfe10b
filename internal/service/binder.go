package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
)

// 会话绑定超过 24 小时不活跃就回收
const conversationMaxIdle = 24 * time.Hour

const binderCacheTTL = 10 * time.Minute

// ConversationStore 是会话仓库的抽象。
type ConversationStore interface {
	Get(ctx context.Context, id string) (*repository.Conversation, error)
	Create(ctx context.Context, c *repository.Conversation) error
	UpdateBinding(ctx context.Context, id string, accountIndex int, teamID string, clearSession bool) error
	UpdateSession(ctx context.Context, id, sessionName string) error
	AddMessage(ctx context.Context, convID, role, content string, images []string) error
	IncrementImageCount(ctx context.Context, convID string) error
	Delete(ctx context.Context, id string) (string, error)
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	List(ctx context.Context) ([]*repository.Conversation, error)
	Messages(ctx context.Context, convID string) ([]*repository.Message, error)
}

// Binder 维护会话到账号的粘性绑定。
//
// 同一会话总是走同一个账号，账号失效时迁移到健康账号并
// 清掉上游 session 让对话在新账号上重建。
type Binder struct {
	repo       ConversationStore
	store      *AccountStore
	imagesRoot string
	cache      *ristretto.Cache
	logger     *zap.Logger
}

// NewBinder 创建会话绑定器。
func NewBinder(repo ConversationStore, store *AccountStore, imagesRoot string, logger *zap.Logger) (*Binder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Binder{
		repo:       repo,
		store:      store,
		imagesRoot: imagesRoot,
		cache:      cache,
		logger:     logger.Named("binder"),
	}, nil
}

// NewConversationID 生成对外的会话 ID。
func NewConversationID() string {
	return "conv_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Create 新建会话并绑定一个健康账号。name 为空时用会话 ID。
func (b *Binder) Create(ctx context.Context, name, model, source string) (*repository.Conversation, error) {
	acc, err := b.store.SelectAccount(nil)
	if err != nil {
		return nil, err
	}

	id := NewConversationID()
	if name == "" {
		name = id
	}
	conv := &repository.Conversation{
		ID:           id,
		Name:         name,
		Model:        model,
		Source:       source,
		AccountIndex: acc.Index,
		TeamID:       acc.TeamID,
		ImageDir:     filepath.Join(b.imagesRoot, id),
	}
	if err := b.repo.Create(ctx, conv); err != nil {
		return nil, err
	}
	b.cacheSet(conv)
	b.logger.Info("binder.created",
		zap.String("conversation_id", id),
		zap.Int("account_index", acc.Index))
	return conv, nil
}

// Resolve 返回会话及其绑定的账号。账号不可用时自动迁移。
// 会话不存在返回 NotFound。
func (b *Binder) Resolve(ctx context.Context, convID string) (*repository.Conversation, domain.Account, error) {
	conv, err := b.get(ctx, convID)
	if err != nil {
		return nil, domain.Account{}, err
	}
	if conv == nil {
		return nil, domain.Account{}, apperrors.NotFound("会话 %s 不存在", convID)
	}

	// 优先按 team_id 找回绑定账号，索引在热重载后可能漂移
	acc, ok := b.store.GetByTeamID(conv.TeamID)
	if !ok {
		acc, ok = b.store.GetByIndex(conv.AccountIndex)
	}
	if ok && acc.IsUsable(time.Now()) {
		if acc.Index != conv.AccountIndex {
			// 索引漂移，修正绑定但保留 session
			if err := b.repo.UpdateBinding(ctx, convID, acc.Index, acc.TeamID, false); err == nil {
				conv.AccountIndex = acc.Index
				b.cacheSet(conv)
			}
		}
		return conv, acc, nil
	}

	migrated, err := b.Migrate(ctx, conv, nil)
	if err != nil {
		return nil, domain.Account{}, err
	}
	return conv, migrated, nil
}

// Migrate 把会话迁移到新账号并清空上游 session。
func (b *Binder) Migrate(ctx context.Context, conv *repository.Conversation, excluded map[int]struct{}) (domain.Account, error) {
	if excluded == nil {
		excluded = map[int]struct{}{}
	}
	excluded[conv.AccountIndex] = struct{}{}

	acc, err := b.store.SelectAccount(excluded)
	if err != nil {
		return domain.Account{}, err
	}
	if err := b.repo.UpdateBinding(ctx, conv.ID, acc.Index, acc.TeamID, true); err != nil {
		return domain.Account{}, err
	}

	b.logger.Info("binder.migrated",
		zap.String("conversation_id", conv.ID),
		zap.Int("from", conv.AccountIndex),
		zap.Int("to", acc.Index))
	conv.AccountIndex = acc.Index
	conv.TeamID = acc.TeamID
	conv.SessionName = ""
	b.cacheSet(conv)
	return acc, nil
}

// MigrateToAccount 把会话迁移到指定账号（401 换最新凭证时用）。
func (b *Binder) MigrateToAccount(ctx context.Context, conv *repository.Conversation, acc domain.Account) error {
	if err := b.repo.UpdateBinding(ctx, conv.ID, acc.Index, acc.TeamID, true); err != nil {
		return err
	}
	conv.AccountIndex = acc.Index
	conv.TeamID = acc.TeamID
	conv.SessionName = ""
	b.cacheSet(conv)
	return nil
}

// BindSession 记录上游返回的 session 名称。
func (b *Binder) BindSession(ctx context.Context, conv *repository.Conversation, sessionName string) error {
	if err := b.repo.UpdateSession(ctx, conv.ID, sessionName); err != nil {
		return err
	}
	conv.SessionName = sessionName
	b.cacheSet(conv)
	return nil
}

// ClearSession 清空上游 session，下次请求重建。
func (b *Binder) ClearSession(ctx context.Context, conv *repository.Conversation) error {
	return b.BindSession(ctx, conv, "")
}

// AddMessage 追加一条消息记录。
func (b *Binder) AddMessage(ctx context.Context, convID, role, content string, images []string) error {
	return b.repo.AddMessage(ctx, convID, role, content, images)
}

// RecordImage 记录会话新生成的图片。
func (b *Binder) RecordImage(ctx context.Context, convID string) error {
	return b.repo.IncrementImageCount(ctx, convID)
}

// ImageDir 返回会话的图片目录，确保目录存在。
func (b *Binder) ImageDir(conv *repository.Conversation) (string, error) {
	dir := conv.ImageDir
	if dir == "" {
		dir = filepath.Join(b.imagesRoot, conv.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Delete 删除会话及其图片目录。
func (b *Binder) Delete(ctx context.Context, convID string) error {
	imageDir, err := b.repo.Delete(ctx, convID)
	if err != nil {
		return err
	}
	b.cache.Del(convID)
	if imageDir != "" {
		if err := os.RemoveAll(imageDir); err != nil {
			b.logger.Warn("binder.remove_image_dir_failed",
				zap.String("dir", imageDir), zap.Error(err))
		}
	}
	return nil
}

// CleanupExpired 回收超过 24 小时不活跃的会话及其图片。
func (b *Binder) CleanupExpired(ctx context.Context) (int, error) {
	dirs, err := b.repo.DeleteInactiveBefore(ctx, time.Now().Add(-conversationMaxIdle))
	if err != nil {
		return 0, err
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Warn("binder.remove_image_dir_failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	if len(dirs) > 0 {
		b.logger.Info("binder.cleanup", zap.Int("removed", len(dirs)))
	}
	return len(dirs), nil
}

// List 返回全部会话。
func (b *Binder) List(ctx context.Context) ([]*repository.Conversation, error) {
	return b.repo.List(ctx)
}

// Messages 返回会话历史消息。
func (b *Binder) Messages(ctx context.Context, convID string) ([]*repository.Message, error) {
	return b.repo.Messages(ctx, convID)
}

func (b *Binder) get(ctx context.Context, convID string) (*repository.Conversation, error) {
	if cached, ok := b.cache.Get(convID); ok {
		if conv, ok := cached.(*repository.Conversation); ok {
			return conv, nil
		}
	}
	conv, err := b.repo.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		b.cacheSet(conv)
	}
	return conv, nil
}

func (b *Binder) cacheSet(conv *repository.Conversation) {
	b.cache.SetWithTTL(conv.ID, conv, 1, binderCacheTTL)
}
