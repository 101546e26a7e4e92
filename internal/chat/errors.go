package chat

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a failure into the fixed taxonomy callers act on.
type Kind string

const (
	// KindInvalidInput marks input rejected by the Validator. Never retried.
	KindInvalidInput Kind = "invalid_input"

	// KindAPIKeyMissing marks a missing or rejected provider credential.
	KindAPIKeyMissing Kind = "api_key_missing"

	// KindRateLimited marks provider-side throttling or quota exhaustion.
	KindRateLimited Kind = "rate_limited"

	// KindSessionBusy marks a call rejected because another call is already
	// in flight on the session. Kept distinct from KindRateLimited so
	// callers can tell local backpressure from provider throttling.
	KindSessionBusy Kind = "session_busy"

	// KindNetwork marks transport-level failures, timeouts and cancellation.
	KindNetwork Kind = "network"

	// KindContentFiltered marks a response blocked or emptied by provider
	// safety filtering.
	KindContentFiltered Kind = "content_filtered"

	// KindUnknown marks everything the rule list does not recognize.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether a failure of this kind is eligible for retry.
// Invalid input is terminal; a busy session means "drop this call", not
// "try again later" — the caller's in-flight call is already doing the work.
func (k Kind) Retryable() bool {
	switch k {
	case KindInvalidInput, KindSessionBusy:
		return false
	default:
		return true
	}
}

// Error is a classified failure. Classification happens once, at the
// provider boundary; downstream code only inspects Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// classifyRules is the ordered, first-match-wins rule list. Each entry maps
// message-text markers to a Kind.
var classifyRules = []struct {
	kind    Kind
	markers []string
}{
	{KindAPIKeyMissing, []string{"api key", "api_key", "unauthenticated", "401"}},
	{KindRateLimited, []string{"rate limit", "quota", "resource exhausted", "resource_exhausted", "429"}},
	{KindNetwork, []string{
		"network", "connection", "timeout", "deadline", "unavailable",
		"canceled", "cancelled", "eof", "500", "502", "503", "504",
	}},
	{KindContentFiltered, []string{"safety", "blocked", "blocklist", "prohibited", "content filter"}},
}

// Classify maps a low-level failure to a classified *Error.
//
// A pre-classified *Error passes through unchanged, so a failure is never
// re-classified downstream. Context cancellation and deadline expiry are
// network-kind by definition (a hung or abandoned call), ahead of any text
// matching. Everything else goes through the ordered rule list against the
// lower-cased message text.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Message: "request canceled or timed out", Err: err}
	}

	text := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, marker := range rule.markers {
			if strings.Contains(text, marker) {
				return &Error{Kind: rule.kind, Message: err.Error(), Err: err}
			}
		}
	}

	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}
