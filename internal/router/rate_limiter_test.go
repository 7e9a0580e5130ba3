package router

import (
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_ExactLimits(t *testing.T) {
	limiter := NewRateLimiter(100, time.Minute)
	key := "conn-1"

	for i := 0; i < 100; i++ {
		if !limiter.Allow(key) {
			t.Fatalf("Frame %d should be allowed (within 100 limit)", i+1)
		}
	}
	if limiter.Allow(key) {
		t.Error("101st frame should be denied")
	}
}

func TestRateLimiter_MultipleKeys(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	if !limiter.Allow("a") || !limiter.Allow("b") {
		t.Error("each key has its own window")
	}
	if limiter.Allow("a") {
		t.Error("second frame for a should be denied")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(1, time.Minute)
	limiter.now = func() time.Time { return now }

	if !limiter.Allow("a") {
		t.Fatal("first frame should be allowed")
	}
	if limiter.Allow("a") {
		t.Fatal("second frame in window should be denied")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow("a") {
		t.Error("new window should allow frames again")
	}
}

func TestRateLimiter_Forget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(1, time.Minute)
	limiter.now = func() time.Time { return now }

	limiter.Allow("a")
	limiter.Allow("b")
	limiter.Forget("a")
	if !limiter.Allow("a") {
		t.Error("forgotten key should start a fresh window")
	}
	limiter.Forget("a")
	limiter.Forget("b")
	if len(limiter.clients) != 0 {
		t.Errorf("Expected forget to drop every key, %d left", len(limiter.clients))
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(50, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("Expected exactly 50 allowed, got %d", allowed)
	}
}
