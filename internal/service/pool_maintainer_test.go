package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imroc/req/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gembiz2api/internal/config"
)

type fakeLifecycle struct {
	mu           sync.Mutex
	refreshErr   map[int]error
	refreshCalls []int
	registerFail map[string]string
	waitCalls    [][]string
}

func (f *fakeLifecycle) RefreshNow(_ context.Context, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls = append(f.refreshCalls, index)
	if f.refreshErr != nil {
		return f.refreshErr[index]
	}
	return nil
}

func (f *fakeLifecycle) WaitForRegistrations(_ context.Context, emails []string, _ time.Duration) map[string]RegisterResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls = append(f.waitCalls, emails)
	results := make(map[string]RegisterResult, len(emails))
	for _, email := range emails {
		if msg, ok := f.registerFail[email]; ok {
			results[email] = RegisterResult{Success: false, Err: msg}
			continue
		}
		results[email] = RegisterResult{Success: true}
	}
	return results
}

func (f *fakeLifecycle) SyncAccounts([]string) (int, int)       { return 0, 0 }
func (f *fakeLifecycle) ClearInvalid(int)                       {}
func (f *fakeLifecycle) SetFailureRecorder(refreshFailureRecorder) {}
func (f *fakeLifecycle) Status() LifecycleStatus                { return LifecycleStatus{} }

type fakeEmailFile struct {
	mu     sync.Mutex
	emails []string
}

func (f *fakeEmailFile) ListEmails() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emails...), nil
}

func (f *fakeEmailFile) AppendEmail(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return nil
}

func (f *fakeEmailFile) RemoveEmail(email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.emails[:0]
	for _, e := range f.emails {
		if !strings.EqualFold(e, email) {
			out = append(out, e)
		}
	}
	f.emails = out
	return nil
}

func testPoolConfig(target int) config.PoolConfig {
	return config.PoolConfig{
		TargetCount:          target,
		HealthCheckInterval:  5 * time.Minute,
		MaxRefreshFailures:   2,
		MaxConsecutiveErrors: 3,
		CredentialExpire:     12 * time.Hour,
	}
}

func newMaintainerFixture(t *testing.T, accounts, target int) (*PoolMaintainer, *AccountStore, *fakeLifecycle, *fakeEmailFile) {
	t.Helper()
	store, _ := newTestStore(t, accounts)
	lc := &fakeLifecycle{}

	emailFile := &fakeEmailFile{}
	for _, acc := range store.Snapshot() {
		emailFile.emails = append(emailFile.emails, acc.Note+"@test.dev")
	}

	binder, _, _ := newTestBinder(t, 0)
	images := NewImageService(req.C(), t.TempDir(), zap.NewNop())
	files, err := NewFileUploadService(req.C(), "", zap.NewNop())
	require.NoError(t, err)

	m := NewPoolMaintainer(testPoolConfig(target), config.LoginConfig{EmailDomain: "@test.dev"},
		store, lc, emailFile, binder, images, files, zap.NewNop())
	return m, store, lc, emailFile
}

func TestPoolMaintainerErrorCounters(t *testing.T) {
	t.Parallel()
	m, _, _, _ := newMaintainerFixture(t, 1, 1)

	m.RecordError("accta")
	m.RecordError("accta")
	require.Equal(t, 2, m.Status().ConsecutiveErrors["accta"])

	m.ClearError("accta")
	require.Empty(t, m.Status().ConsecutiveErrors)

	m.RecordRefreshFailure("accta")
	require.Equal(t, 1, m.Status().RefreshFailures["accta"])
}

func TestHealthCheckDeletesMissingCredentials(t *testing.T) {
	t.Parallel()
	m, store, _, emailFile := newMaintainerFixture(t, 2, 2)

	// 第一个账号丢掉必要凭证字段
	acc, ok := store.GetByIndex(0)
	require.True(t, ok)
	creds := acc.AccountCredentials
	creds.SecureCSes = ""
	require.NoError(t, store.UpdateCredentials(0, creds))

	require.Equal(t, 1, m.HealthCheck(context.Background()))
	require.Equal(t, 1, store.Count())
	require.Equal(t, -1, store.FindIndexByNote("accta"))

	// credient.txt 里对应的邮箱一并删除
	emails, err := emailFile.ListEmails()
	require.NoError(t, err)
	require.Equal(t, []string{"acctb@test.dev"}, emails)
}

func TestHealthCheckDeletesAfterConsecutiveErrors(t *testing.T) {
	t.Parallel()
	m, store, _, _ := newMaintainerFixture(t, 2, 2)

	for i := 0; i < 3; i++ {
		m.RecordError("acctb")
	}
	require.Equal(t, 1, m.HealthCheck(context.Background()))
	require.Equal(t, -1, store.FindIndexByNote("acctb"))
	require.Empty(t, m.Status().ConsecutiveErrors)
}

func TestHealthCheckRefreshesExpiredCredential(t *testing.T) {
	t.Parallel()
	m, store, lc, _ := newMaintainerFixture(t, 1, 1)

	acc, ok := store.GetByIndex(0)
	require.True(t, ok)
	creds := acc.AccountCredentials
	creds.RefreshTime = time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, store.UpdateCredentials(0, creds))

	// 刷新成功则保留账号
	require.Equal(t, 0, m.HealthCheck(context.Background()))
	require.Equal(t, []int{0}, lc.refreshCalls)
	require.Equal(t, 1, store.Count())
}

func TestHealthCheckDeletesWhenExpiredRefreshFails(t *testing.T) {
	t.Parallel()
	m, store, lc, emailFile := newMaintainerFixture(t, 1, 1)
	lc.refreshErr = map[int]error{0: fmt.Errorf("浏览器刷新失败")}

	acc, ok := store.GetByIndex(0)
	require.True(t, ok)
	creds := acc.AccountCredentials
	creds.RefreshTime = time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	require.NoError(t, store.UpdateCredentials(0, creds))

	require.Equal(t, 1, m.HealthCheck(context.Background()))
	require.Equal(t, 0, store.Count())
	emails, err := emailFile.ListEmails()
	require.NoError(t, err)
	require.Empty(t, emails)
}

func TestReplenishRegistersUpToTarget(t *testing.T) {
	t.Parallel()
	m, _, lc, emailFile := newMaintainerFixture(t, 1, 3)

	m.Replenish(context.Background())

	// 缺 2 个，单批注册 2 个
	require.Len(t, lc.waitCalls, 1)
	require.Len(t, lc.waitCalls[0], 2)
	for _, email := range lc.waitCalls[0] {
		require.True(t, strings.HasSuffix(email, "@test.dev"), email)
	}

	emails, err := emailFile.ListEmails()
	require.NoError(t, err)
	require.Len(t, emails, 3)
}

type failingLifecycle struct{ fakeLifecycle }

func (f *failingLifecycle) WaitForRegistrations(_ context.Context, emails []string, _ time.Duration) map[string]RegisterResult {
	results := make(map[string]RegisterResult, len(emails))
	for _, email := range emails {
		results[email] = RegisterResult{Success: false, Err: "注册超时"}
	}
	return results
}

func TestReplenishRemovesFailedRegistrations(t *testing.T) {
	t.Parallel()
	m, _, _, emailFile := newMaintainerFixture(t, 1, 2)
	m.lifecycle = &failingLifecycle{}

	m.Replenish(context.Background())

	// 注册失败的邮箱不留在 credient.txt 里
	emails, err := emailFile.ListEmails()
	require.NoError(t, err)
	require.Equal(t, []string{"accta@test.dev"}, emails)
}

func TestReplenishSkipsWithoutEmailDomain(t *testing.T) {
	t.Parallel()
	m, _, lc, _ := newMaintainerFixture(t, 1, 3)
	m.domainSuffix = ""

	m.Replenish(context.Background())
	require.Empty(t, lc.waitCalls)
}

func TestReplenishNoopAtTarget(t *testing.T) {
	t.Parallel()
	m, _, lc, _ := newMaintainerFixture(t, 2, 2)

	m.Replenish(context.Background())
	require.Empty(t, lc.waitCalls)
}

func TestReplaceAccountDeletesAndRegisters(t *testing.T) {
	t.Parallel()
	m, store, lc, emailFile := newMaintainerFixture(t, 2, 2)

	m.ReplaceAccount(0, "accta")

	require.Equal(t, -1, store.FindIndexByNote("accta"))
	require.Len(t, lc.waitCalls, 1)

	emails, err := emailFile.ListEmails()
	require.NoError(t, err)
	require.Len(t, emails, 2)
	require.NotContains(t, emails, "accta@test.dev")
}

func TestNewUniqueEmailAvoidsExisting(t *testing.T) {
	t.Parallel()
	m, _, _, _ := newMaintainerFixture(t, 1, 1)

	seen := map[string]struct{}{}
	for i := 0; i < 20; i++ {
		email, err := m.newUniqueEmail()
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(email, "@test.dev"))

		local := strings.TrimSuffix(email, "@test.dev")
		require.GreaterOrEqual(t, len(local), 6)
		require.LessOrEqual(t, len(local), 12)
		require.NotEqual(t, "accta", local)
		seen[email] = struct{}{}
	}
	require.Greater(t, len(seen), 1)
}
