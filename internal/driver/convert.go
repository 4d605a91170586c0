package driver

import (
	"fmt"
	"net/http"
	"strings"

	catalog "github.com/nexusnarrative/narrator/internal/models"
	"github.com/nexusnarrative/narrator/internal/ratelimit"
	"github.com/nexusnarrative/narrator/pkg/models"
)

// splitSystem separates system messages (joined into one system prompt)
// from the conversational turns, converting each remaining message with
// conv. Drivers share this because every wrapped API takes the system
// prompt out of band.
func splitSystem[T any](msgs []models.Message, conv func(models.Message) (T, error)) (string, []T, error) {
	var system []string
	var out []T
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			if t := textContent(msg); t != "" {
				system = append(system, t)
			}
			continue
		}
		converted, err := conv(msg)
		if err != nil {
			return "", nil, err
		}
		out = append(out, converted)
	}
	return strings.Join(system, "\n"), out, nil
}

// textContent joins a message's text inputs with newlines.
func textContent(msg models.Message) string {
	var parts []string
	for _, in := range msg.Content {
		if in.Kind == models.InputText {
			parts = append(parts, in.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// unsupportedInput builds the error for an input variant the wrapped API
// cannot carry.
func unsupportedInput(driverName string, in models.Input, reason string) *DriverError {
	return &DriverError{
		Reason:  FailoverInvalidRequest,
		Driver:  driverName,
		Code:    "unsupported_input",
		Message: fmt.Sprintf("%s input: %s", in.Kind, reason),
	}
}

// conversionError wraps a request-conversion failure.
func conversionError(driverName string, err error) *DriverError {
	return &DriverError{
		Reason:  FailoverInvalidRequest,
		Driver:  driverName,
		Code:    "conversion_error",
		Cause:   err,
		Message: err.Error(),
	}
}

// headerObserver is an http.RoundTripper that feeds every response's
// headers to a tier detector before handing the response back.
type headerObserver struct {
	provider string
	detector *ratelimit.Detector
	next     http.RoundTripper
}

func (o *headerObserver) RoundTrip(req *http.Request) (*http.Response, error) {
	next := o.next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if resp != nil && o.detector != nil {
		o.detector.Observe(o.provider, resp.Header)
	}
	return resp, err
}

// catalogMetadata fills metadata from the model catalog when the model is
// known there, else returns the provided fallback.
func catalogMetadata(modelID string, fallback ModelMetadata) ModelMetadata {
	m, ok := catalog.Get(modelID)
	if !ok {
		return fallback
	}
	out := fallback
	if m.ContextWindow > 0 {
		out.MaxInputTokens = m.ContextWindow
	}
	if m.MaxOutputTokens > 0 {
		out.MaxOutputTokens = m.MaxOutputTokens
	}
	out.SupportsStreaming = m.SupportsStreaming()
	out.SupportsVision = m.SupportsVision()
	out.SupportsToolUse = m.SupportsTools()
	out.SupportsJSONMode = m.HasCapability(catalog.CapJSON)
	out.SupportsEmbeddings = m.HasCapability(catalog.CapEmbeddings)
	return out
}
