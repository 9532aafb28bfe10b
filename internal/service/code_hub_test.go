package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMailbox struct {
	mu     sync.Mutex
	emails []VerificationEmail
}

func (f *fakeMailbox) Connect(ctx context.Context) error { return nil }
func (f *fakeMailbox) Disconnect()                       {}

func (f *fakeMailbox) Fetch(ctx context.Context, from string, limit int) ([]VerificationEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]VerificationEmail(nil), f.emails...), nil
}

func newTestHub(t *testing.T) *CodeHub {
	t.Helper()
	return NewCodeHub(&fakeMailbox{}, zap.NewNop())
}

func TestExtractCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"chinese newline", "您的一次性验证码为：\n\n ABC123 \n请在 10 分钟内使用", "ABC123"},
		{"chinese inline", "验证码为：XY9Z42，请勿泄露", "XY9Z42"},
		{"g dash digits", "Your code is G-583920.", "583920"},
		{"english label", "Your verification code: 77A2B9", "77A2B9"},
		{"standalone line", "hello\n  K3M9P1  \nbye", "K3M9P1"},
		{"generic digits", "验证码如下 902184", "902184"},
		{"no code", "没有任何数字内容", ""},
		{"too short", "code: AB12", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, extractCode(tc.body))
		})
	}
}

func TestResolveRecipientTransportDomainScansBody(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)

	// To 是转发邮箱，真正的收件人在正文里
	got := hub.resolveRecipient(VerificationEmail{
		To:   "forward@qq.com",
		Body: "发送至 target123@trial-domain.com 的验证码为：AAA111",
	})
	require.Equal(t, "target123@trial-domain.com", got)

	// 正文里只有被排除的域名时放弃
	got = hub.resolveRecipient(VerificationEmail{
		To:   "forward@163.com",
		Body: "please contact support@gmail.com",
	})
	require.Equal(t, "", got)

	// 普通收件人直接用 To 头
	got = hub.resolveRecipient(VerificationEmail{
		To:   "Direct User <direct@trial-domain.com>",
		Body: "whatever",
	})
	require.Equal(t, "direct@trial-domain.com", got)
}

func TestWaitForCodeExactBucketFirst(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	since := time.Now().Add(-time.Second)

	hub.StoreCode("FALLBK", "")
	hub.StoreCode("EXACT1", "alice@trial-domain.com")

	code, err := hub.WaitForCode(context.Background(), "alice@trial-domain.com", time.Second, since)
	require.NoError(t, err)
	require.Equal(t, "EXACT1", code)

	// 精确队列空了之后才消费后备队列
	code, err = hub.WaitForCode(context.Background(), "alice@trial-domain.com", time.Second, since)
	require.NoError(t, err)
	require.Equal(t, "FALLBK", code)
}

func TestWaitForCodeIgnoresCodesBeforeSince(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	hub.StoreCode("OLD111", "bob@trial-domain.com")

	_, err := hub.WaitForCode(context.Background(), "bob@trial-domain.com", 100*time.Millisecond, time.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestWaitForCodeDeliversToBlockedWaiter(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	since := time.Now().Add(-time.Second)

	done := make(chan string, 1)
	go func() {
		code, err := hub.WaitForCode(context.Background(), "carol@trial-domain.com", 5*time.Second, since)
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- code
	}()

	time.Sleep(50 * time.Millisecond)
	hub.StoreCode("LIVE42", "carol@trial-domain.com")

	select {
	case got := <-done:
		require.Equal(t, "LIVE42", got)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForCodeNoDoubleDelivery(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	since := time.Now().Add(-time.Second)
	hub.StoreCode("ONCE99", "dave@trial-domain.com")

	results := make(chan error, 2)
	var delivered sync.Map
	for i := 0; i < 2; i++ {
		go func() {
			code, err := hub.WaitForCode(context.Background(), "dave@trial-domain.com", 300*time.Millisecond, since)
			if err == nil {
				delivered.Store(code, true)
			}
			results <- err
		}()
	}

	var errs int
	for i := 0; i < 2; i++ {
		if <-results != nil {
			errs++
		}
	}
	// 一个等待者拿到码，另一个超时
	require.Equal(t, 1, errs)
	_, ok := delivered.Load("ONCE99")
	require.True(t, ok)
}

func TestStoreCodeDuplicateSuppressed(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	hub.StoreCode("DUP123", "eve@trial-domain.com")
	hub.StoreCode("DUP123", "eve@trial-domain.com")

	status := hub.Status()
	require.Equal(t, 1, status.TotalCodes)
}

func TestProcessEmailSkipsOldAndDuplicateUIDs(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)

	hub.ProcessEmail(VerificationEmail{
		UID:  7,
		Date: time.Now(),
		To:   "frank@trial-domain.com",
		Body: "验证码为：QQQ777",
	})
	require.Equal(t, 1, hub.Status().TotalCodes)

	// 同 UID 再来一次不会重复入库
	hub.ProcessEmail(VerificationEmail{
		UID:  7,
		Date: time.Now(),
		To:   "frank@trial-domain.com",
		Body: "验证码为：QQQ778",
	})
	require.Equal(t, 1, hub.Status().TotalCodes)

	// 超过 5 分钟的旧邮件被忽略
	hub.ProcessEmail(VerificationEmail{
		UID:  8,
		Date: time.Now().Add(-10 * time.Minute),
		To:   "frank@trial-domain.com",
		Body: "验证码为：RRR888",
	})
	require.Equal(t, 1, hub.Status().TotalCodes)
}

func TestProcessedUIDCap(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	hub.mu.Lock()
	for i := 0; i < codeHubUIDCap+1; i++ {
		hub.markUIDLocked(uint32(i))
	}
	size := len(hub.processedUIDs)
	hub.mu.Unlock()

	require.Equal(t, codeHubUIDKeep, size)
}

func TestCleanupOldCodes(t *testing.T) {
	t.Parallel()

	hub := newTestHub(t)
	hub.StoreCode("NEW111", "grace@trial-domain.com")

	hub.mu.Lock()
	hub.codesByEmail["grace@trial-domain.com"] = append(
		[]codeEntry{{code: "OLD000", at: time.Now().Add(-time.Hour)}},
		hub.codesByEmail["grace@trial-domain.com"]...)
	hub.fallbackQueue = append(hub.fallbackQueue, codeEntry{code: "OLDFBK", at: time.Now().Add(-time.Hour)})
	hub.mu.Unlock()

	hub.CleanupOldCodes(codeHubCodeMaxAge)

	status := hub.Status()
	require.Equal(t, 1, status.TotalCodes)
	require.Equal(t, 0, status.FallbackQueue)
}
