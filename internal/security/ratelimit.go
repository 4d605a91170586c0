package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// RateLimitRule is one command's token-bucket shape: max_tokens refill
// over window_secs, with burst extra capacity on top.
type RateLimitRule struct {
	MaxTokens  float64 `yaml:"max_tokens"`
	WindowSecs float64 `yaml:"window_secs"`
	Burst      float64 `yaml:"burst"`
}

func (r RateLimitRule) refillRate() float64 { return r.MaxTokens / r.WindowSecs }
func (r RateLimitRule) capacity() float64 { return r.MaxTokens + r.Burst }

type commandBucket struct {
	tokens     float64
	lastRefill time.Time
}

// CommandRateLimiter is layer four: a token bucket per command key.
// Commands without a registered rule are unlimited.
type CommandRateLimiter struct {
	mu      sync.Mutex
	rules   map[string]RateLimitRule
	buckets map[string]*commandBucket
	now     func() time.Time
}

// NewCommandRateLimiter builds the limiter over a rule set.
func NewCommandRateLimiter(rules map[string]RateLimitRule) *CommandRateLimiter {
	return &CommandRateLimiter{
		rules:   rules,
		buckets: make(map[string]*commandBucket),
		now:     time.Now,
	}
}

// SetNow overrides the clock for tests.
func (l *CommandRateLimiter) SetNow(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Check consumes one token for the command, or fails with the seconds to
// wait before a token frees up.
func (l *CommandRateLimiter) Check(command string) error {
	rule, limited := l.rules[command]
	if !limited || rule.MaxTokens <= 0 || rule.WindowSecs <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket, ok := l.buckets[command]
	if !ok {
		// Buckets start full.
		bucket = &commandBucket{tokens: rule.capacity(), lastRefill: now}
		l.buckets[command] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.lastRefill = now
	bucket.tokens += elapsed * rule.refillRate()
	if bucket.tokens > rule.capacity() {
		bucket.tokens = rule.capacity()
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return nil
	}

	retryAfter := (1 - bucket.tokens) / rule.refillRate()
	return apperr.New(apperr.KindRateLimited, "security.rate_limit",
		fmt.Errorf("command %s is rate limited", command),
		map[string]any{"command": command, "retry_after_seconds": retryAfter})
}

// Reset clears the bucket for one command.
func (l *CommandRateLimiter) Reset(command string) {
	l.mu.Lock()
	delete(l.buckets, command)
	l.mu.Unlock()
}
