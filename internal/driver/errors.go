package driver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// FailoverReason categorizes why a driver request failed. This enables
// intelligent retry and failover logic.
type FailoverReason string

const (
	// FailoverBilling indicates payment/quota issues (HTTP 402)
	FailoverBilling FailoverReason = "billing"

	// FailoverRateLimit indicates rate limiting (HTTP 429)
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverAuth indicates authentication failure (HTTP 401, 403)
	FailoverAuth FailoverReason = "auth"

	// FailoverTimeout indicates request timeout
	FailoverTimeout FailoverReason = "timeout"

	// FailoverServerError indicates server-side issues (HTTP 5xx)
	FailoverServerError FailoverReason = "server_error"

	// FailoverInvalidRequest indicates client-side issues (HTTP 400)
	FailoverInvalidRequest FailoverReason = "invalid_request"

	// FailoverModelUnavailable indicates the model is not available
	FailoverModelUnavailable FailoverReason = "model_unavailable"

	// FailoverContentFilter indicates content was blocked by safety filters
	FailoverContentFilter FailoverReason = "content_filter"

	// FailoverUnknown indicates an unclassified error
	FailoverUnknown FailoverReason = "unknown"
)

// IsRetryable returns true if the failover reason suggests retrying may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover returns true if the error warrants trying a different driver.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case FailoverBilling, FailoverAuth, FailoverModelUnavailable:
		return true
	default:
		return false
	}
}

// DriverError is a structured error from an LLM driver. It captures the
// context needed for retry logic, failover decisions and debugging.
type DriverError struct {
	// Reason categorizes the error for retry/failover logic
	Reason FailoverReason

	// Driver is the provider name (e.g., "anthropic", "openai")
	Driver string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// RetryAfter is the wait the provider asked for on a 429, when known
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Driver != "" {
		parts = append(parts, e.Driver)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *DriverError) Unwrap() error { return e.Cause }

// NewDriverError creates a DriverError with a classified reason.
func NewDriverError(driverName, model string, cause error) *DriverError {
	return &DriverError{
		Reason: ClassifyError(cause),
		Driver: driverName,
		Model:  model,
		Cause:  cause,
	}
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *DriverError) WithStatus(status int) *DriverError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode sets the provider-specific error code and reclassifies from it.
func (e *DriverError) WithCode(code string) *DriverError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailoverUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID attaches the provider request id.
func (e *DriverError) WithRequestID(id string) *DriverError {
	e.RequestID = id
	return e
}

// WithMessage sets the human-readable message.
func (e *DriverError) WithMessage(msg string) *DriverError {
	e.Message = msg
	return e
}

// WithRetryAfter records the provider's requested backoff.
func (e *DriverError) WithRetryAfter(d time.Duration) *DriverError {
	e.RetryAfter = d
	return e
}

// Kind maps the driver failure onto the engine's error taxonomy.
func (e *DriverError) Kind() apperr.Kind {
	switch e.Reason {
	case FailoverRateLimit:
		return apperr.KindRateLimited
	case FailoverAuth:
		if e.Status == 0 {
			return apperr.KindMissingCredential
		}
		return apperr.KindProviderHTTP
	case FailoverModelUnavailable, FailoverBilling, FailoverServerError,
		FailoverInvalidRequest, FailoverContentFilter:
		return apperr.KindProviderHTTP
	default:
		return apperr.KindProviderHTTP
	}
}

// AsAppError projects the driver failure into an *apperr.Error for callers
// outside the driver layer.
func (e *DriverError) AsAppError(op string) *apperr.Error {
	fields := map[string]any{
		"provider": e.Driver,
		"model":    e.Model,
	}
	if e.Status != 0 {
		fields["status"] = e.Status
	}
	if e.Message != "" {
		fields["body"] = e.Message
	}
	if e.RetryAfter > 0 {
		fields["retry_after_seconds"] = int(e.RetryAfter.Seconds())
	}
	return apperr.New(e.Kind(), op, e, fields)
}

// ClassifyError infers a FailoverReason from an arbitrary error. The SDKs
// wrapped by the concrete drivers expose no structured error hierarchy, so
// classification falls back to message matching.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return FailoverTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailoverRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailoverAuth
	}

	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return FailoverBilling
	}

	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return FailoverContentFilter
	}

	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return FailoverModelUnavailable
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailoverServerError
	}

	return FailoverUnknown
}

// classifyStatusCode returns a FailoverReason based on HTTP status code.
func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// classifyErrorCode returns a FailoverReason based on provider-specific codes.
func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailoverRateLimit
	case "authentication_error", "invalid_api_key":
		return FailoverAuth
	case "billing_error", "insufficient_quota":
		return FailoverBilling
	case "model_not_found", "model_not_available":
		return FailoverModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailoverContentFilter
	case "server_error", "internal_error":
		return FailoverServerError
	case "invalid_request_error":
		return FailoverInvalidRequest
	default:
		return FailoverUnknown
	}
}

// GetDriverError extracts a DriverError from an error chain.
func GetDriverError(err error) (*DriverError, bool) {
	var de *DriverError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if de, ok := GetDriverError(err); ok {
		return de.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover checks if an error warrants trying a different driver.
func ShouldFailover(err error) bool {
	if de, ok := GetDriverError(err); ok {
		return de.Reason.ShouldFailover()
	}
	return ClassifyError(err).ShouldFailover()
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("retry-after"))
	if raw == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
