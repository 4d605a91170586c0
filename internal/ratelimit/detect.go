package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// DetectedTier is a tier inferred from a provider's response headers.
type DetectedTier struct {
	Provider string
	Name     string
	RPM      uint64
	TPM      uint64
	RPD      uint64
}

// DetectFromHeaders inspects a provider response's headers and infers the
// account tier. Returns false when the provider is unknown or the headers
// carry no limit information.
func DetectFromHeaders(provider string, h http.Header) (DetectedTier, bool) {
	switch strings.ToLower(provider) {
	case "google", "gemini":
		return detectGemini(h)
	case "anthropic":
		return detectAnthropic(h)
	case "openai":
		return detectOpenAI(h)
	}
	return DetectedTier{}, false
}

func detectGemini(h http.Header) (DetectedTier, bool) {
	rpm, ok := headerUint(h, "x-ratelimit-limit")
	if !ok {
		return DetectedTier{}, false
	}
	t := DetectedTier{Provider: "google", RPM: rpm}
	switch {
	case rpm <= 10:
		t.Name, t.TPM, t.RPD = "Free", 250_000, 250
	case rpm <= 360:
		t.Name, t.TPM = "Pay-as-you-go", 4_000_000
	default:
		t.Name = "Custom"
	}
	return t, true
}

func detectAnthropic(h http.Header) (DetectedTier, bool) {
	rpm, okR := headerUint(h, "anthropic-ratelimit-requests-limit")
	tpm, okT := headerUint(h, "anthropic-ratelimit-tokens-limit")
	if !okR || !okT {
		return DetectedTier{}, false
	}
	t := DetectedTier{Provider: "anthropic", RPM: rpm, TPM: tpm}
	switch {
	case rpm == 5 && tpm == 20_000:
		t.Name = "Tier 1"
	case rpm == 50 && tpm == 40_000:
		t.Name = "Tier 2"
	case rpm == 1000 && tpm == 80_000:
		t.Name = "Tier 3"
	case rpm == 2000 && tpm == 160_000:
		t.Name = "Tier 4"
	default:
		t.Name = "Custom"
	}
	return t, true
}

func detectOpenAI(h http.Header) (DetectedTier, bool) {
	rpm, okR := headerUint(h, "x-ratelimit-limit-requests")
	tpm, okT := headerUint(h, "x-ratelimit-limit-tokens")
	if !okR || !okT {
		return DetectedTier{}, false
	}
	t := DetectedTier{Provider: "openai", RPM: rpm, TPM: tpm}
	switch {
	case rpm == 3 && tpm == 40_000:
		t.Name, t.RPD = "Free", 200
	case rpm == 500 && tpm == 200_000:
		t.Name = "Tier 1"
	case rpm == 5000 && tpm == 2_000_000:
		t.Name = "Tier 2"
	case rpm == 10_000 && tpm == 10_000_000:
		t.Name = "Tier 3"
	case rpm == 10_000 && tpm == 30_000_000:
		t.Name = "Tier 4"
	case rpm == 10_000 && tpm == 100_000_000:
		t.Name = "Tier 5"
	default:
		t.Name = "Custom"
	}
	return t, true
}

func headerUint(h http.Header, key string) (uint64, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Detector caches the most recent header-detected tier per provider until
// cleared.
type Detector struct {
	mu   sync.RWMutex
	last map[string]DetectedTier
}

// NewDetector creates an empty detector cache.
func NewDetector() *Detector {
	return &Detector{last: make(map[string]DetectedTier)}
}

// Observe records limits found in a provider response's headers.
func (d *Detector) Observe(provider string, h http.Header) {
	t, ok := DetectFromHeaders(provider, h)
	if !ok {
		return
	}
	d.mu.Lock()
	d.last[t.Provider] = t
	d.mu.Unlock()
}

// Last returns the cached detection for provider, if any.
func (d *Detector) Last(provider string) (DetectedTier, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.last[strings.ToLower(provider)]
	return t, ok
}

// Clear drops the cached detection for provider.
func (d *Detector) Clear(provider string) {
	d.mu.Lock()
	delete(d.last, strings.ToLower(provider))
	d.mu.Unlock()
}

// LowerOf resolves a disagreement between a configured tier and a
// header-detected one: the lower of each quota wins, treating unbounded
// fields as infinitely high.
func LowerOf(configured TierConfig, detected DetectedTier) TierConfig {
	out := configured
	out.RPM = lowerQuota(configured.RPM, detected.RPM)
	out.TPM = lowerQuota(configured.TPM, detected.TPM)
	out.RPD = lowerQuota(configured.RPD, detected.RPD)
	if detected.Name != "" {
		out.Name = detected.Name
	}
	return out
}

func lowerQuota(a, b uint64) uint64 {
	switch {
	case unbounded(a):
		return b
	case unbounded(b):
		return a
	case a < b:
		return a
	default:
		return b
	}
}
