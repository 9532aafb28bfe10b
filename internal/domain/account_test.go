package domain

import (
	"testing"
	"time"
)

func TestAccountStateRecordRequestEnd(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var s AccountState

	s.RecordRequestStart(now)
	s.RecordRequestEnd(true, 120, now)

	if s.TotalRequests != 1 || s.FailedRequests != 0 {
		t.Fatalf("unexpected totals: total=%d failed=%d", s.TotalRequests, s.FailedRequests)
	}
	if s.ConsecutiveSuccesses != 1 || s.ConsecutiveErrors != 0 {
		t.Fatalf("unexpected streaks: ok=%d err=%d", s.ConsecutiveSuccesses, s.ConsecutiveErrors)
	}

	s.RecordRequestStart(now)
	s.RecordRequestEnd(false, 0, now)

	if s.TotalRequests != 2 || s.FailedRequests != 1 {
		t.Fatalf("unexpected totals after failure: total=%d failed=%d", s.TotalRequests, s.FailedRequests)
	}
	if s.ConsecutiveSuccesses != 0 || s.ConsecutiveErrors != 1 {
		t.Fatalf("failure must reset success streak: ok=%d err=%d", s.ConsecutiveSuccesses, s.ConsecutiveErrors)
	}
	if s.FailedRequests > s.TotalRequests {
		t.Fatal("failed requests exceeded total requests")
	}
}

func TestAccountStateFailedNeverExceedsTotal(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var s AccountState
	for i := 0; i < 50; i++ {
		s.RecordRequestStart(now)
		s.RecordRequestEnd(i%3 == 0, float64(i), now)
		if s.FailedRequests > s.TotalRequests {
			t.Fatalf("iteration %d: failed=%d > total=%d", i, s.FailedRequests, s.TotalRequests)
		}
	}

	s.Decay(0.9)
	if s.FailedRequests > s.TotalRequests {
		t.Fatalf("after decay: failed=%d > total=%d", s.FailedRequests, s.TotalRequests)
	}
}

func TestAccountStateSuccessRateNewAccount(t *testing.T) {
	t.Parallel()

	var s AccountState
	if got := s.SuccessRate(); got != 1.0 {
		t.Fatalf("new account success rate = %v, want 1.0", got)
	}
}

func TestIsImageModel(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"gemini-2.5-flash":   false,
		"gemini-2.5-pro":     false,
		"gemini-3-pro":       false,
		"gemini-3-pro-image": true,
		"nano-banana-pro":    true,
		"imagen-4":           true,
		"Image-Gen-Beta":     true,
		"imagegeneration":    true,
	}
	for model, want := range cases {
		if got := IsImageModel(model); got != want {
			t.Errorf("IsImageModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestCooldownRemaining(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := AccountState{CooldownUntil: now.Add(90 * time.Second)}

	if !s.IsInCooldown(now) {
		t.Fatal("expected account in cooldown")
	}
	if got := s.CooldownRemaining(now); got != 90 {
		t.Fatalf("remaining = %d, want 90", got)
	}
	if got := s.CooldownRemaining(now.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("expired remaining = %d, want 0", got)
	}
}
