package driver

import (
	"context"
	"log/slog"

	catalog "github.com/nexusnarrative/narrator/internal/models"
)

// FailoverDriver chains several drivers behind the Driver contract: the
// primary serves every request until an error worth failing over for
// (auth, billing, model unavailable, exhausted retries) pushes the call
// down the candidate list.
type FailoverDriver struct {
	drivers map[string]Driver
	config  *catalog.FallbackConfig
	logger  *slog.Logger
}

// NewFailoverDriver builds a failover chain. drivers maps provider name to
// the concrete driver; the primary and each "provider/model" fallback in
// config must reference a key of that map.
func NewFailoverDriver(drivers map[string]Driver, config *catalog.FallbackConfig, logger *slog.Logger) (*FailoverDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil || config.PrimaryProvider == "" {
		return nil, &DriverError{
			Reason:  FailoverInvalidRequest,
			Driver:  "failover",
			Message: "a primary provider is required",
		}
	}
	if _, ok := drivers[config.PrimaryProvider]; !ok {
		return nil, &DriverError{
			Reason:  FailoverInvalidRequest,
			Driver:  "failover",
			Message: "no driver registered for primary provider " + config.PrimaryProvider,
		}
	}
	return &FailoverDriver{drivers: drivers, config: config, logger: logger}, nil
}

func (d *FailoverDriver) primary() Driver { return d.drivers[d.config.PrimaryProvider] }

func (d *FailoverDriver) Name() string { return d.primary().Name() }
func (d *FailoverDriver) Model() string { return d.primary().Model() }
func (d *FailoverDriver) RateLimits() RateLimitConfig { return d.primary().RateLimits() }

// Generate runs the request against the candidate chain, advancing on
// failover-worthy errors only.
func (d *FailoverDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	result, err := catalog.RunWithModelFallback(ctx, d.config,
		func(ctx context.Context, provider, model string) (*GenerateResponse, error) {
			drv, ok := d.drivers[provider]
			if !ok {
				return nil, catalog.CoerceToFailoverError(&DriverError{
					Reason:  FailoverModelUnavailable,
					Driver:  provider,
					Model:   model,
					Message: "no driver registered",
				}, provider, model)
			}
			callReq := req
			if req.Model == "" {
				callReq.Model = model
			}
			resp, callErr := drv.Generate(ctx, callReq)
			if callErr != nil && (ShouldFailover(callErr) || IsRetryable(callErr)) {
				return nil, catalog.CoerceToFailoverError(callErr, provider, model)
			}
			return resp, callErr
		},
		func(provider, model string, err error, attempt, total int) {
			d.logger.Warn("driver attempt failed",
				"provider", provider,
				"model", model,
				"attempt", attempt,
				"total", total,
				"error", err)
		})
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

// GenerateStream streams from the first candidate whose stream opens; a
// candidate that fails mid-stream is not retried.
func (d *FailoverDriver) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	result, err := catalog.RunWithModelFallback(ctx, d.config,
		func(ctx context.Context, provider, model string) (<-chan StreamChunk, error) {
			drv, ok := d.drivers[provider]
			if !ok {
				return nil, catalog.CoerceToFailoverError(&DriverError{
					Reason:  FailoverModelUnavailable,
					Driver:  provider,
					Model:   model,
					Message: "no driver registered",
				}, provider, model)
			}
			callReq := req
			if req.Model == "" {
				callReq.Model = model
			}
			ch, callErr := drv.GenerateStream(ctx, callReq)
			if callErr != nil && (ShouldFailover(callErr) || IsRetryable(callErr)) {
				return nil, catalog.CoerceToFailoverError(callErr, provider, model)
			}
			return ch, callErr
		}, nil)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}
