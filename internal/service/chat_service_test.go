package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imroc/req/v3"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	apperrors "github.com/Wei-Shaw/gembiz2api/internal/pkg/errors"
	"github.com/Wei-Shaw/gembiz2api/internal/repository"
)

type upstreamRecorder struct {
	mu     sync.Mutex
	bodies map[string][]string

	assistHandler  func(body string, calls int) (int, string)
	sessionCounter int
}

func (r *upstreamRecorder) record(path, body string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodies == nil {
		r.bodies = map[string][]string{}
	}
	r.bodies[path] = append(r.bodies[path], body)
	return len(r.bodies[path])
}

func (r *upstreamRecorder) calls(path string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies[path]...)
}

func (r *upstreamRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, httpReq *http.Request) {
		raw, _ := io.ReadAll(httpReq.Body)
		body := string(raw)
		calls := r.record(httpReq.URL.Path, body)

		switch {
		case strings.HasSuffix(httpReq.URL.Path, "/widgetCreateSession"):
			r.mu.Lock()
			r.sessionCounter++
			id := r.sessionCounter
			r.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"session":{"name":"sessions/test-` +
				string(rune('0'+id)) + `"}}`))

		case strings.HasSuffix(httpReq.URL.Path, "/widgetStreamAssist"):
			status, resp := 200, `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"默认回复内容，足够长以通过校验。"}}}]}}}]`
			if r.assistHandler != nil {
				status, resp = r.assistHandler(body, calls)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(resp))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newChatFixture(t *testing.T, accounts int, rec *upstreamRecorder) (*ChatService, *AccountStore, *fakeConvStore) {
	t.Helper()

	store, _ := newTestStore(t, accounts)
	for i := 0; i < accounts; i++ {
		store.UpdateJWT(i, "test-jwt", time.Now().Add(time.Hour))
	}

	minter := NewJWTMinter(store, func() (*req.Client, error) {
		return req.C().SetTimeout(time.Second), nil
	}, zap.NewNop())

	repo := newFakeConvStore()
	binder, err := NewBinder(repo, store, t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	images := NewImageService(req.C().SetTimeout(5*time.Second), t.TempDir(), zap.NewNop())
	cs := NewChatService(req.C().SetTimeout(5*time.Second), store, minter, binder, images, zap.NewNop())
	cs.baseURL = srv.URL
	return cs, store, repo
}

func seedConversation(t *testing.T, repo *fakeConvStore, id, teamID string, index int, session string) *repository.Conversation {
	t.Helper()
	conv := &repository.Conversation{
		ID:           id,
		TeamID:       teamID,
		AccountIndex: index,
		SessionName:  session,
	}
	require.NoError(t, repo.Create(context.Background(), conv))
	return conv
}

func TestBuildFullMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "你好", BuildFullMessage("你好", "", nil))

	full := BuildFullMessage("现在呢", "你是一个助手", []HistoryMessage{
		{Role: "user", Content: "第一问"},
		{Role: "assistant", Content: "第一答"},
	})
	require.Contains(t, full, "[System Instructions]\n你是一个助手")
	require.Contains(t, full, "[Conversation History]")
	require.Contains(t, full, "User: 第一问")
	require.Contains(t, full, "Assistant: 第一答")
	require.Contains(t, full, "[Current Message]\n现在呢")
	// 当前消息在最后
	require.True(t, strings.HasSuffix(full, "现在呢"))
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	cs, store, _ := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)

	session, err := cs.CreateSession(context.Background(), acc, "test-jwt")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(session, "sessions/test-"))

	calls := rec.calls("/widgetCreateSession")
	require.Len(t, calls, 1)
	require.Equal(t, "team-a", gjson.Get(calls[0], "configId").String())
	require.Equal(t, "-", gjson.Get(calls[0], "additionalParams.token").String())
	require.NotEmpty(t, gjson.Get(calls[0], "createSessionRequest.session.name").String())
}

func TestChatHappyPathPersistsSession(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_happy0000001", "team-a", 0, "")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "讲个笑话",
		Model:   "gemini-2.5-flash",
	})
	require.NoError(t, err)
	require.Equal(t, "默认回复内容，足够长以通过校验。", result.Text)
	require.Positive(t, result.PromptTokens)
	require.Positive(t, result.CompletionTokens)

	// 新建的 session 要落回会话绑定
	require.NotEmpty(t, repo.convs[conv.ID].SessionName)

	assist := rec.calls("/widgetStreamAssist")
	require.Len(t, assist, 1)
	require.Equal(t, "讲个笑话", gjson.Get(assist[0], "streamAssistRequest.query.parts.0.text").String())
	require.Equal(t, "NORMAL", gjson.Get(assist[0], "streamAssistRequest.answerGenerationMode").String())
	require.Equal(t, "REQUEST_ASSIST", gjson.Get(assist[0], "streamAssistRequest.assistSkippingMode").String())
	require.True(t, gjson.Get(assist[0], "streamAssistRequest.fileIds").IsArray())
	// 文本模型不开图片生成
	require.False(t, gjson.Get(assist[0], "streamAssistRequest.toolsSpec.imageGenerationSpec").Exists())
	require.True(t, gjson.Get(assist[0], "streamAssistRequest.toolsSpec.webGroundingSpec").Exists())
}

func TestChatImageModelEnablesImageSpec(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(string, int) (int, string) {
		return 200, `[{"streamAssistResponse":{"answer":{"replies":[{
			"generatedImages":[{"image":{"bytesBase64Encoded":"aGVsbG8=","mimeType":"image/png"}}],
			"groundedContent":{"content":{"text":"这是为你生成的图片，希望符合预期。"}}
		}]}}}]`
	}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_image0000001", "team-a", 0, "sessions/have")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "画一只猫",
		Model:   "nano-banana-pro",
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 1)
	require.False(t, result.ImageGenerationFailed)

	assist := rec.calls("/widgetStreamAssist")
	require.Len(t, assist, 1)
	require.True(t, gjson.Get(assist[0], "streamAssistRequest.toolsSpec.imageGenerationSpec").Exists())
}

func TestChatImageModelWithoutImagesFlagsFailure(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(string, int) (int, string) {
		return 200, `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"抱歉，我无法生成图片。"}}}]}}}]`
	}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_imgfail00001", "team-a", 0, "sessions/have")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "画一只狗",
		Model:   "gemini-3-pro-image",
	})
	require.NoError(t, err)
	require.True(t, result.ImageGenerationFailed)
	require.Contains(t, result.ImageGenerationError, "gemini-3-pro-image")
}

func TestChatFileNotFoundRetriesWithoutFiles(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(body string, calls int) (int, string) {
		if calls == 1 {
			return 500, `{"error":{"status":"FILE_NOT_FOUND"}}`
		}
		return 200, `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"不带文件的重试成功了。"}}}]}}}]`
	}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_filegone0001", "team-a", 0, "sessions/have")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "看看这个文件",
		FileIDs: []string{"upstream-file-1"},
		Model:   "gemini-2.5-pro",
	})
	require.NoError(t, err)
	require.Equal(t, "不带文件的重试成功了。", result.Text)

	assist := rec.calls("/widgetStreamAssist")
	require.Len(t, assist, 2)
	require.Equal(t, 1, len(gjson.Get(assist[0], "streamAssistRequest.fileIds").Array()))
	require.Equal(t, 0, len(gjson.Get(assist[1], "streamAssistRequest.fileIds").Array()))
}

func TestChatRebuildsSessionOn404(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(body string, calls int) (int, string) {
		if gjson.Get(body, "streamAssistRequest.session").String() == "sessions/stale" {
			return 404, `{"error":"session not found"}`
		}
		return 200, `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"重建会话后一切正常。"}}}]}}}]`
	}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_stale0000001", "team-a", 0, "sessions/stale")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "还在吗",
		Model:   "gemini-2.5-flash",
	})
	require.NoError(t, err)
	require.Equal(t, "重建会话后一切正常。", result.Text)

	// 旧 session 被替换成新建的
	require.NotEqual(t, "sessions/stale", repo.convs[conv.ID].SessionName)
	require.NotEmpty(t, repo.convs[conv.ID].SessionName)
	require.Len(t, rec.calls("/widgetCreateSession"), 1)
}

func TestChatAuthFailoverToFreshestAccount(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(body string, calls int) (int, string) {
		if gjson.Get(body, "configId").String() == "team-a" {
			return 401, `{"error":"unauthorized"}`
		}
		return 200, `[{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"换了账号之后成功返回。"}}}]}}}]`
	}
	cs, store, repo := newChatFixture(t, 2, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_failover0001", "team-a", 0, "sessions/have")

	result, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "触发切换",
		Model:   "gemini-2.5-flash",
	})
	require.NoError(t, err)
	require.Equal(t, "换了账号之后成功返回。", result.Text)

	// 会话迁移到了账号 1，session 重建
	require.Equal(t, 1, repo.convs[conv.ID].AccountIndex)
	require.Equal(t, "team-b", repo.convs[conv.ID].TeamID)
	require.NotEqual(t, "sessions/have", repo.convs[conv.ID].SessionName)
}

func TestChatRateLimitMarksCooldown(t *testing.T) {
	t.Parallel()

	rec := &upstreamRecorder{}
	rec.assistHandler = func(string, int) (int, string) {
		return 429, `{"error":"quota"}`
	}
	cs, store, repo := newChatFixture(t, 1, rec)
	acc, _ := store.GetByIndex(0)
	conv := seedConversation(t, repo, "conv_ratelim00001", "team-a", 0, "sessions/have")

	_, err := cs.Chat(context.Background(), conv, acc, ChatInput{
		Message: "限流",
		Model:   "gemini-2.5-flash",
	})
	require.Error(t, err)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonRateLimit))

	after, _ := store.GetByIndex(0)
	require.True(t, after.State.IsInCooldown(time.Now()))
}
