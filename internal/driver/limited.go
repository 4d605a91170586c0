package driver

import (
	"context"

	"github.com/nexusnarrative/narrator/internal/ratelimit"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// LimitedDriver wraps a Driver with a rate limiter, so callers get quota
// enforcement transparently on every Generate and GenerateStream call.
type LimitedDriver struct {
	inner   Driver
	limiter *ratelimit.Limiter
}

// NewLimitedDriver wraps inner with limiter. A nil limiter passes calls
// through unchanged.
func NewLimitedDriver(inner Driver, limiter *ratelimit.Limiter) *LimitedDriver {
	return &LimitedDriver{inner: inner, limiter: limiter}
}

// Inner returns the wrapped driver, for capability type-assertions.
func (d *LimitedDriver) Inner() Driver { return d.inner }

// Limiter returns the wrapped limiter; nil when unlimited.
func (d *LimitedDriver) Limiter() *ratelimit.Limiter { return d.limiter }

// Scaled derives a LimitedDriver whose limiter quotas are scaled by ratio,
// sharing the parent's concurrency permits.
func (d *LimitedDriver) Scaled(ratio float64) (*LimitedDriver, error) {
	if d.limiter == nil {
		return d, nil
	}
	scaled, err := d.limiter.Scaled(ratio)
	if err != nil {
		return nil, err
	}
	return &LimitedDriver{inner: d.inner, limiter: scaled}, nil
}

func (d *LimitedDriver) Name() string { return d.inner.Name() }
func (d *LimitedDriver) Model() string { return d.inner.Model() }
func (d *LimitedDriver) RateLimits() RateLimitConfig { return d.inner.RateLimits() }

// Generate acquires the tier quotas, holds a concurrency permit for the
// duration of the call and releases it on return.
func (d *LimitedDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if d.limiter == nil {
		return d.inner.Generate(ctx, req)
	}
	guard, err := d.limiter.Acquire(ctx, d.estimateTokens(req))
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return d.inner.Generate(ctx, req)
}

// GenerateStream acquires the tier quotas and holds the permit until the
// stream drains.
func (d *LimitedDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	if d.limiter == nil {
		return d.inner.GenerateStream(ctx, req)
	}
	guard, err := d.limiter.Acquire(ctx, d.estimateTokens(req))
	if err != nil {
		return nil, err
	}
	inner, err := d.inner.GenerateStream(ctx, req)
	if err != nil {
		guard.Release()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer guard.Release()
		for chunk := range inner {
			out <- chunk
		}
	}()
	return out, nil
}

// estimateTokens sizes the request for the TPM quota, using the inner
// driver's tokenizer capability when it has one.
func (d *LimitedDriver) estimateTokens(req GenerateRequest) uint64 {
	var total int
	counter, hasCounter := d.inner.(TokenCounter)
	for _, msg := range req.Messages {
		for _, in := range msg.Content {
			if in.Kind != models.InputText {
				continue
			}
			if hasCounter {
				if n, err := counter.CountTokens(in.Text); err == nil {
					total += n
					continue
				}
			}
			total += (len(in.Text) + 3) / 4
		}
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	}
	if total <= 0 {
		total = 1
	}
	return uint64(total)
}
