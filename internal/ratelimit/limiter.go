// Package ratelimit bounds request volume to a provider tier. Three GCRA
// cells cover requests per minute, tokens per minute and requests per day;
// a buffered-channel semaphore bounds in-flight concurrency. Callers hold
// a Guard for the lifetime of one request and release it when done.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// Unlimited marks a quota field as having no bound.
const Unlimited = math.MaxUint64

// TierConfig is a named bundle of limits and costs for one provider.
// Zero (or Unlimited) quota fields impose no bound.
type TierConfig struct {
	Name                           string  `toml:"name"`
	RPM                            uint64  `toml:"rpm"`
	TPM                            uint64  `toml:"tpm"`
	RPD                            uint64  `toml:"rpd"`
	MaxConcurrent                  int     `toml:"max_concurrent"`
	DailyQuotaUSD                  float64 `toml:"daily_quota_usd"`
	CostPerMillionInputTokens      float64 `toml:"cost_per_million_input_tokens"`
	CostPerMillionOutputTokens     float64 `toml:"cost_per_million_output_tokens"`
}

// unbounded reports whether a quota field means "no limit".
func unbounded(v uint64) bool { return v == 0 || v == Unlimited }

// BudgetConfig scales a tier's effective limits. Each multiplier must lie
// in (0, 1].
type BudgetConfig struct {
	RPMMult float64
	TPMMult float64
	RPDMult float64
}

// FullBudget is the identity budget.
func FullBudget() BudgetConfig {
	return BudgetConfig{RPMMult: 1, TPMMult: 1, RPDMult: 1}
}

// Validate rejects multipliers outside (0, 1].
func (b BudgetConfig) Validate() error {
	for _, m := range []float64{b.RPMMult, b.TPMMult, b.RPDMult} {
		if m <= 0 || m > 1 {
			return apperr.New(apperr.KindConfig, "ratelimit.budget", nil, map[string]any{
				"reason": "budget multipliers must be in (0, 1]",
			})
		}
	}
	return nil
}

// Merge combines two budgets by taking the pointwise minimum.
func (b BudgetConfig) Merge(other BudgetConfig) BudgetConfig {
	return BudgetConfig{
		RPMMult: math.Min(b.RPMMult, other.RPMMult),
		TPMMult: math.Min(b.TPMMult, other.TPMMult),
		RPDMult: math.Min(b.RPDMult, other.RPDMult),
	}
}

func scaleQuota(limit uint64, mult float64) uint64 {
	if unbounded(limit) || mult >= 1 {
		return limit
	}
	scaled := uint64(float64(limit) * mult)
	if scaled == 0 {
		scaled = 1
	}
	return scaled
}

// gcra is one generic-cell-rate-algorithm quota. The emission interval is
// period/limit; the burst tolerance admits a full window up front.
type gcra struct {
	mu       sync.Mutex
	tat      time.Time
	interval time.Duration
	tau      time.Duration
}

func newGCRA(limit uint64, period time.Duration) *gcra {
	if unbounded(limit) {
		return nil
	}
	interval := period / time.Duration(limit)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &gcra{interval: interval, tau: period - interval}
}

// reserve consumes n cells if conforming at now, returning zero, or
// returns the duration to wait before retrying without consuming.
func (g *gcra) reserve(n uint64, now time.Time) time.Duration {
	if g == nil {
		return 0
	}
	if n == 0 {
		n = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	need := time.Duration(n-1) * g.interval
	earliest := g.tat.Add(-g.tau).Add(need)
	if now.Before(earliest) {
		return earliest.Sub(now)
	}
	base := g.tat
	if now.After(base) {
		base = now
	}
	g.tat = base.Add(time.Duration(n) * g.interval)
	return 0
}

// Guard holds one concurrency permit. Release is idempotent.
type Guard struct {
	once    sync.Once
	release func()
}

// Release returns the permit to the limiter.
func (g *Guard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// Limiter enforces a tier's four quotas. It is safe for concurrent use.
type Limiter struct {
	tier   TierConfig
	budget BudgetConfig

	rpm *gcra
	tpm *gcra
	rpd *gcra
	sem chan struct{}

	now func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithBudget applies a budget multiplier to the tier's limits.
func WithBudget(b BudgetConfig) Option {
	return func(l *Limiter) { l.budget = b }
}

// NewLimiter builds a limiter for the given tier. An all-unbounded tier
// produces a limiter that never blocks but still hands out guards.
func NewLimiter(tier TierConfig, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		tier:   tier,
		budget: FullBudget(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.budget.Validate(); err != nil {
		return nil, err
	}

	l.rpm = newGCRA(scaleQuota(tier.RPM, l.budget.RPMMult), time.Minute)
	l.tpm = newGCRA(scaleQuota(tier.TPM, l.budget.TPMMult), time.Minute)
	l.rpd = newGCRA(scaleQuota(tier.RPD, l.budget.RPDMult), 24*time.Hour)
	if tier.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, tier.MaxConcurrent)
	}
	return l, nil
}

// Tier returns the tier the limiter was built from.
func (l *Limiter) Tier() TierConfig { return l.tier }

// Acquire blocks until every quota admits the request, then takes one
// concurrency permit. estimatedTokens drives the TPM quota; zero counts
// as one. Cancel the context to abandon the wait.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens uint64) (*Guard, error) {
	steps := []struct {
		q *gcra
		n uint64
	}{
		{l.rpm, 1},
		{l.tpm, max(1, estimatedTokens)},
		{l.rpd, 1},
	}
	for _, step := range steps {
		for {
			wait := step.q.reserve(step.n, l.now())
			if wait == 0 {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Guard{release: func() { <-l.sem }}, nil
	}
	return &Guard{}, nil
}

// TryAcquire performs the same checks without blocking. It returns false
// if any quota would require waiting or no permit is free.
func (l *Limiter) TryAcquire(estimatedTokens uint64) (*Guard, bool) {
	now := l.now()
	if l.rpm.reserve(1, now) != 0 {
		return nil, false
	}
	if l.tpm.reserve(max(1, estimatedTokens), now) != 0 {
		return nil, false
	}
	if l.rpd.reserve(1, now) != 0 {
		return nil, false
	}
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		default:
			return nil, false
		}
		return &Guard{release: func() { <-l.sem }}, true
	}
	return &Guard{}, true
}

// Scaled derives a limiter whose quotas are multiplied by ratio, for
// carousel acts that trade volume for cadence. The derived limiter shares
// the parent's concurrency semaphore but meters its own fresh windows.
func (l *Limiter) Scaled(ratio float64) (*Limiter, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, apperr.New(apperr.KindConfig, "ratelimit.scaled", nil, map[string]any{
			"reason": "scale ratio must be in (0, 1]",
		})
	}
	scaled := &Limiter{
		tier:   l.tier,
		budget: l.budget,
		rpm:    newGCRA(scaleQuota(l.tier.RPM, l.budget.RPMMult*ratio), time.Minute),
		tpm:    newGCRA(scaleQuota(l.tier.TPM, l.budget.TPMMult*ratio), time.Minute),
		rpd:    newGCRA(scaleQuota(l.tier.RPD, l.budget.RPDMult*ratio), 24*time.Hour),
		sem:    l.sem,
		now:    l.now,
	}
	return scaled, nil
}
