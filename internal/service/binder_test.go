package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/domain"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
)

type fakeConvStore struct {
	convs    map[string]*repository.Conversation
	messages map[string][]*repository.Message

	bindCalls    int
	lastClear    bool
	sessionCalls int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		convs:    map[string]*repository.Conversation{},
		messages: map[string][]*repository.Message{},
	}
}

func (f *fakeConvStore) Get(_ context.Context, id string) (*repository.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvStore) Create(_ context.Context, c *repository.Conversation) error {
	cp := *c
	f.convs[c.ID] = &cp
	return nil
}

func (f *fakeConvStore) UpdateBinding(_ context.Context, id string, accountIndex int, teamID string, clearSession bool) error {
	f.bindCalls++
	f.lastClear = clearSession
	c := f.convs[id]
	c.AccountIndex = accountIndex
	c.TeamID = teamID
	if clearSession {
		c.SessionName = ""
	}
	return nil
}

func (f *fakeConvStore) UpdateSession(_ context.Context, id, sessionName string) error {
	f.sessionCalls++
	f.convs[id].SessionName = sessionName
	return nil
}

func (f *fakeConvStore) AddMessage(_ context.Context, convID, role, content string, images []string) error {
	f.messages[convID] = append(f.messages[convID], &repository.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		Images:         images,
	})
	return nil
}

func (f *fakeConvStore) IncrementImageCount(_ context.Context, convID string) error {
	f.convs[convID].ImageCount++
	return nil
}

func (f *fakeConvStore) Delete(_ context.Context, id string) (string, error) {
	c, ok := f.convs[id]
	if !ok {
		return "", nil
	}
	delete(f.convs, id)
	return c.ImageDir, nil
}

func (f *fakeConvStore) DeleteInactiveBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	var dirs []string
	for id, c := range f.convs {
		if c.LastActiveAt.Before(cutoff) {
			dirs = append(dirs, c.ImageDir)
			delete(f.convs, id)
		}
	}
	return dirs, nil
}

func (f *fakeConvStore) List(_ context.Context) ([]*repository.Conversation, error) {
	var out []*repository.Conversation
	for _, c := range f.convs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeConvStore) Messages(_ context.Context, convID string) ([]*repository.Message, error) {
	return f.messages[convID], nil
}

func newTestBinder(t *testing.T, accounts int) (*Binder, *fakeConvStore, *AccountStore) {
	t.Helper()
	store, _ := newTestStore(t, accounts)
	repo := newFakeConvStore()
	b, err := NewBinder(repo, store, t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return b, repo, store
}

func TestNewConversationID(t *testing.T) {
	t.Parallel()

	id := NewConversationID()
	require.Len(t, id, len("conv_")+12)
	require.True(t, len(id) > 5 && id[:5] == "conv_")
	require.NotEqual(t, id, NewConversationID())
}

func TestBinderCreateBindsAccount(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 2)

	conv, err := b.Create(context.Background(), "", "gemini-2.5-pro", "openai")
	require.NoError(t, err)
	require.NotEmpty(t, conv.TeamID)
	require.NotEmpty(t, conv.ImageDir)

	stored := repo.convs[conv.ID]
	require.NotNil(t, stored)
	require.Equal(t, conv.AccountIndex, stored.AccountIndex)
}

func TestBinderResolveUnknownConversation(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBinder(t, 1)

	_, _, err := b.Resolve(context.Background(), "conv_missing00000")
	require.Error(t, err)
}

func TestBinderResolvePrefersTeamID(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 3)

	// 绑定索引指向 0，但 team_id 属于账号 1：热重载后索引漂移的场景
	require.NoError(t, repo.Create(context.Background(), &repository.Conversation{
		ID:           "conv_drifted00001",
		TeamID:       "team-b",
		AccountIndex: 0,
		SessionName:  "sessions/keep-me",
	}))

	conv, acc, err := b.Resolve(context.Background(), "conv_drifted00001")
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
	require.Equal(t, 1, conv.AccountIndex)
	// 修正索引不算迁移，session 保留
	require.False(t, repo.lastClear)
	require.Equal(t, "sessions/keep-me", repo.convs["conv_drifted00001"].SessionName)
}

func TestBinderResolveMigratesUnusableAccount(t *testing.T) {
	t.Parallel()

	b, repo, store := newTestBinder(t, 2)
	store.MarkCooldown(0, domain.CooldownAuthError)

	require.NoError(t, repo.Create(context.Background(), &repository.Conversation{
		ID:           "conv_migrate00001",
		TeamID:       "team-a",
		AccountIndex: 0,
		SessionName:  "sessions/stale",
	}))

	conv, acc, err := b.Resolve(context.Background(), "conv_migrate00001")
	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
	require.Equal(t, 1, conv.AccountIndex)
	require.Equal(t, "team-b", conv.TeamID)
	// 迁移必须清空上游 session
	require.True(t, repo.lastClear)
	require.Empty(t, repo.convs["conv_migrate00001"].SessionName)
}

func TestBinderMigrateExcludesCurrentAccount(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 2)

	conv := &repository.Conversation{ID: "conv_excl00000001", TeamID: "team-a", AccountIndex: 0}
	require.NoError(t, repo.Create(context.Background(), conv))

	acc, err := b.Migrate(context.Background(), conv, nil)
	require.NoError(t, err)
	require.NotEqual(t, 0, acc.Index)
}

func TestBinderSessionRoundTrip(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 1)

	conv, err := b.Create(context.Background(), "", "gemini-2.5-flash", "openai")
	require.NoError(t, err)

	require.NoError(t, b.BindSession(context.Background(), conv, "sessions/abc"))
	require.Equal(t, "sessions/abc", repo.convs[conv.ID].SessionName)

	require.NoError(t, b.ClearSession(context.Background(), conv))
	require.Empty(t, repo.convs[conv.ID].SessionName)
}

func TestBinderDeleteRemovesImageDir(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 1)

	conv, err := b.Create(context.Background(), "", "gemini-2.5-pro", "openai")
	require.NoError(t, err)
	dir, err := b.ImageDir(conv)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img.png"), []byte("x"), 0o644))

	require.NoError(t, b.Delete(context.Background(), conv.ID))
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
	require.NotContains(t, repo.convs, conv.ID)
}

func TestBinderCleanupExpired(t *testing.T) {
	t.Parallel()

	b, repo, _ := newTestBinder(t, 1)

	old := t.TempDir()
	require.NoError(t, repo.Create(context.Background(), &repository.Conversation{
		ID:           "conv_old000000001",
		ImageDir:     old,
		LastActiveAt: time.Now().Add(-48 * time.Hour),
	}))
	require.NoError(t, repo.Create(context.Background(), &repository.Conversation{
		ID:           "conv_new000000001",
		LastActiveAt: time.Now(),
	}))

	removed, err := b.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NotContains(t, repo.convs, "conv_old000000001")
	require.Contains(t, repo.convs, "conv_new000000001")
	_, statErr := os.Stat(old)
	require.True(t, os.IsNotExist(statErr))
}
