package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind is the normalized failure class of a backend call.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate-limit"
	KindProviderPolicy ErrorKind = "provider-policy"
	KindGeneric        ErrorKind = "generic"
)

// ErrUnavailable is returned when no backend can serve a model.
var ErrUnavailable = errors.New("model backend unavailable")

// APIError is a non-OK provider response, or an error event inside a stream.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s stream error: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// maxClassifyDepth bounds the unwrap walk so cyclic wrappers terminate.
const maxClassifyDepth = 5

var (
	rateLimitMarkers = []string{
		"rate limit", "rate_limit", "ratelimit", "too many requests",
		"quota exceeded", "resource_exhausted", "insufficient_quota",
	}
	policyMarkers = []string{
		"data policy", "content policy", "content_policy", "content_filter",
		"safety", "moderation", "policy violation",
	}
)

// Classify maps any backend error onto the error taxonomy by inspecting
// status codes and bodies along the wrap chain.
func Classify(err error) ErrorKind {
	return classify(err, 0)
}

func classify(err error, depth int) ErrorKind {
	if err == nil || depth >= maxClassifyDepth {
		return KindGeneric
	}
	if k := inspect(err); k != KindGeneric {
		return k
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if k := classify(inner, depth+1); k != KindGeneric {
				return k
			}
		}
	case interface{ Unwrap() error }:
		return classify(u.Unwrap(), depth+1)
	}
	return KindGeneric
}

func inspect(err error) ErrorKind {
	text := err.Error()
	if ae, ok := err.(*APIError); ok {
		switch ae.StatusCode {
		case http.StatusTooManyRequests:
			return KindRateLimit
		case http.StatusUnavailableForLegalReasons:
			return KindProviderPolicy
		}
		text = ae.Body
	}
	lower := strings.ToLower(text)
	for _, m := range rateLimitMarkers {
		if strings.Contains(lower, m) {
			return KindRateLimit
		}
	}
	for _, m := range policyMarkers {
		if strings.Contains(lower, m) {
			return KindProviderPolicy
		}
	}
	return KindGeneric
}
