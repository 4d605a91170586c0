package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRPMBurstThenBlock(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(TierConfig{RPM: 2, MaxConcurrent: 10}, WithNow(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		g, ok := l.TryAcquire(1)
		if !ok {
			t.Fatalf("acquire %d should be immediate", i)
		}
		g.Release()
	}
	if _, ok := l.TryAcquire(1); ok {
		t.Fatal("third acquire within the window should be refused")
	}

	clock.Advance(30 * time.Second)
	g, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("acquire after the emission interval should succeed")
	}
	g.Release()
}

func TestTPMConsumesEstimatedTokens(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(TierConfig{TPM: 1000}, WithNow(clock.Now))
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := l.TryAcquire(900); !ok {
		t.Fatal("900 tokens should fit a fresh 1000 TPM window")
	}
	if _, ok := l.TryAcquire(900); ok {
		t.Fatal("another 900 tokens should not fit")
	}
	clock.Advance(time.Minute)
	if _, ok := l.TryAcquire(900); !ok {
		t.Fatal("tokens should be available a window later")
	}
}

func TestConcurrencyPermits(t *testing.T) {
	l, err := NewLimiter(TierConfig{MaxConcurrent: 2})
	if err != nil {
		t.Fatal(err)
	}

	g1, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("first permit")
	}
	g2, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("second permit")
	}
	if _, ok := l.TryAcquire(1); ok {
		t.Fatal("third permit should be refused")
	}

	g1.Release()
	g1.Release() // idempotent
	g3, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("permit should be free after release")
	}
	g3.Release()
	g2.Release()
}

func TestNoLimitModeNeverBlocks(t *testing.T) {
	l, err := NewLimiter(TierConfig{RPM: Unlimited, TPM: Unlimited, RPD: Unlimited})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 1000; i++ {
		g, err := l.Acquire(ctx, 1_000_000)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if g == nil {
			t.Fatal("no-limit mode must still hand out guards")
		}
		g.Release()
	}
}

func TestAcquireRespectsCancellation(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(TierConfig{RPM: 1}, WithNow(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.TryAcquire(1); !ok {
		t.Fatal("first acquire")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, 1)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestBudgetValidation(t *testing.T) {
	for _, bad := range []BudgetConfig{
		{RPMMult: 0, TPMMult: 1, RPDMult: 1},
		{RPMMult: 1, TPMMult: 1.5, RPDMult: 1},
		{RPMMult: 1, TPMMult: 1, RPDMult: -0.2},
	} {
		if _, err := NewLimiter(TierConfig{RPM: 10}, WithBudget(bad)); err == nil {
			t.Errorf("budget %+v should be rejected", bad)
		}
	}
}

func TestBudgetMergeTakesMinimum(t *testing.T) {
	a := BudgetConfig{RPMMult: 0.5, TPMMult: 1, RPDMult: 0.8}
	b := BudgetConfig{RPMMult: 0.9, TPMMult: 0.3, RPDMult: 1}
	m := a.Merge(b)
	if m.RPMMult != 0.5 || m.TPMMult != 0.3 || m.RPDMult != 0.8 {
		t.Fatalf("merge = %+v", m)
	}
}

func TestBudgetScalesEffectiveLimit(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(TierConfig{RPM: 4}, WithNow(clock.Now), WithBudget(BudgetConfig{RPMMult: 0.5, TPMMult: 1, RPDMult: 1}))
	if err != nil {
		t.Fatal(err)
	}
	// Effective RPM is 2.
	for i := 0; i < 2; i++ {
		if _, ok := l.TryAcquire(1); !ok {
			t.Fatalf("acquire %d under budget", i)
		}
	}
	if _, ok := l.TryAcquire(1); ok {
		t.Fatal("budgeted limit should refuse the third call")
	}
}

func TestScaledSharesConcurrency(t *testing.T) {
	clock := newFakeClock()
	l, err := NewLimiter(TierConfig{RPM: 10, MaxConcurrent: 1}, WithNow(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	scaled, err := l.Scaled(0.5)
	if err != nil {
		t.Fatal(err)
	}

	g, ok := l.TryAcquire(1)
	if !ok {
		t.Fatal("parent permit")
	}
	if _, ok := scaled.TryAcquire(1); ok {
		t.Fatal("scaled limiter must share the parent's permit pool")
	}
	g.Release()

	if _, err := l.Scaled(0); err == nil {
		t.Fatal("zero ratio should be rejected")
	}
	if _, err := l.Scaled(1.2); err == nil {
		t.Fatal("ratio above one should be rejected")
	}
}

func TestDetectGemini(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit", "10")
	tier, ok := DetectFromHeaders("gemini", h)
	if !ok || tier.Name != "Free" || tier.TPM != 250_000 || tier.RPD != 250 {
		t.Fatalf("got %+v ok=%v", tier, ok)
	}

	h.Set("x-ratelimit-limit", "360")
	tier, _ = DetectFromHeaders("google", h)
	if tier.Name != "Pay-as-you-go" || tier.TPM != 4_000_000 {
		t.Fatalf("got %+v", tier)
	}

	h.Set("x-ratelimit-limit", "5000")
	tier, _ = DetectFromHeaders("google", h)
	if tier.Name != "Custom" {
		t.Fatalf("got %+v", tier)
	}
}

func TestDetectAnthropic(t *testing.T) {
	tests := []struct {
		rpm, tpm string
		want     string
	}{
		{"5", "20000", "Tier 1"},
		{"50", "40000", "Tier 2"},
		{"1000", "80000", "Tier 3"},
		{"2000", "160000", "Tier 4"},
		{"123", "456", "Custom"},
	}
	for _, tt := range tests {
		h := http.Header{}
		h.Set("anthropic-ratelimit-requests-limit", tt.rpm)
		h.Set("anthropic-ratelimit-tokens-limit", tt.tpm)
		tier, ok := DetectFromHeaders("anthropic", h)
		if !ok || tier.Name != tt.want {
			t.Errorf("rpm=%s tpm=%s: got %+v ok=%v, want %s", tt.rpm, tt.tpm, tier, ok, tt.want)
		}
	}
}

func TestDetectOpenAI(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-limit-requests", "3")
	h.Set("x-ratelimit-limit-tokens", "40000")
	tier, ok := DetectFromHeaders("openai", h)
	if !ok || tier.Name != "Free" || tier.RPD != 200 {
		t.Fatalf("got %+v ok=%v", tier, ok)
	}

	h.Set("x-ratelimit-limit-requests", "10000")
	h.Set("x-ratelimit-limit-tokens", "30000000")
	tier, _ = DetectFromHeaders("openai", h)
	if tier.Name != "Tier 4" {
		t.Fatalf("got %+v", tier)
	}
}

func TestDetectorCache(t *testing.T) {
	d := NewDetector()
	h := http.Header{}
	h.Set("x-ratelimit-limit", "10")
	d.Observe("gemini", h)

	if tier, ok := d.Last("google"); !ok || tier.Name != "Free" {
		t.Fatalf("got %+v ok=%v", tier, ok)
	}
	d.Clear("google")
	if _, ok := d.Last("google"); ok {
		t.Fatal("cache should be cleared")
	}
}

func TestLowerOf(t *testing.T) {
	configured := TierConfig{Name: "configured", RPM: 100, TPM: 0, RPD: 500}
	detected := DetectedTier{Name: "Tier 1", RPM: 50, TPM: 20_000}
	got := LowerOf(configured, detected)
	if got.RPM != 50 || got.TPM != 20_000 || got.RPD != 500 || got.Name != "Tier 1" {
		t.Fatalf("got %+v", got)
	}
}
