package service

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imroc/req/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMinterFixture(t *testing.T, handler http.Handler) (*JWTMinter, *AccountStore, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store, _ := newTestStore(t, 1)
	minter := NewJWTMinter(store, func() (*req.Client, error) {
		return req.C().SetTimeout(5 * time.Second), nil
	}, zap.NewNop())
	minter.baseURL = srv.URL
	return minter, store, srv
}

func xsrfResponse() string {
	key := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	return ")]}'\n" + `{"keyId":"kid-1","xsrfToken":"` + key + `"}`
}

func TestEnsureJWTMintsAndCaches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	minter, store, _ := newMinterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/auth/getoxsrf", r.URL.Path)
		require.NotEmpty(t, r.URL.Query().Get("csesidx"))
		require.Contains(t, r.Header.Get("Cookie"), "__Secure-C_SES=")
		_, _ = w.Write([]byte(xsrfResponse()))
	}))

	acc, _ := store.GetByIndex(0)
	token, err := minter.EnsureJWT(context.Background(), acc)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.EqualValues(t, 1, calls.Load())

	// 缓存命中不再发起请求
	acc, _ = store.GetByIndex(0)
	again, err := minter.EnsureJWT(context.Background(), acc)
	require.NoError(t, err)
	require.Equal(t, token, again)
	require.EqualValues(t, 1, calls.Load())
}

func TestEnsureJWTSingleFlight(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	minter, store, _ := newMinterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(xsrfResponse()))
	}))

	acc, _ := store.GetByIndex(0)
	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := minter.EnsureJWT(context.Background(), acc)
			require.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	// 有效期窗口内的并发请求只触发一次 getoxsrf
	require.EqualValues(t, 1, calls.Load())
	for _, tok := range tokens {
		require.Equal(t, tokens[0], tok)
	}
}

type stubScheduler struct {
	mu      sync.Mutex
	invalid map[int]bool
	queued  []int
}

func (s *stubScheduler) IsKnownInvalid(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid[index]
}

func (s *stubScheduler) MarkInvalid(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid == nil {
		s.invalid = map[int]bool{}
	}
	s.invalid[index] = true
}

func (s *stubScheduler) QueueRefresh(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, index)
}

func TestEnsureJWTUnauthorizedMarksInvalidAndQueues(t *testing.T) {
	t.Parallel()

	minter, store, _ := newMinterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	sched := &stubScheduler{}
	minter.SetRefreshScheduler(sched)

	acc, _ := store.GetByIndex(0)
	_, err := minter.EnsureJWT(context.Background(), acc)
	require.Error(t, err)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.True(t, sched.invalid[0])
	require.Contains(t, sched.queued, 0)
}

func TestEnsureJWTRateLimited(t *testing.T) {
	t.Parallel()

	minter, store, _ := newMinterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	acc, _ := store.GetByIndex(0)
	_, err := minter.EnsureJWT(context.Background(), acc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "限额")
}

func TestEnsureJWTKnownInvalidShortCircuits(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	minter, store, _ := newMinterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	sched := &stubScheduler{invalid: map[int]bool{0: true}}
	minter.SetRefreshScheduler(sched)

	acc, _ := store.GetByIndex(0)
	_, err := minter.EnsureJWT(context.Background(), acc)
	require.Error(t, err)
	require.EqualValues(t, 0, calls.Load())
	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.Contains(t, sched.queued, 0)
}
