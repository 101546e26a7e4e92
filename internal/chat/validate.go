package chat

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxInputLength is the maximum accepted input size in characters.
const DefaultMaxInputLength = 100_000

// defaultDenyPatterns rejects markup that could smuggle active content into
// a rendered transcript. Matching is case-insensitive.
var defaultDenyPatterns = []string{
	`(?is)<\s*script[^>]*>`,
	`(?i)javascript\s*:`,
	`(?i)\bon\w+\s*=`,
	`(?i)data\s*:\s*text/html`,
}

// stripPatterns removes active content from externally produced text before
// it is stored via AddMessage. Tags are dropped wholesale; javascript: URIs
// lose their scheme.
var stripPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?is)<[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
}

// Validator rejects malformed, oversized or unsafe input. Stateless and
// safe for concurrent use.
type Validator struct {
	maxLen int
	denied []*regexp.Regexp
}

// ValidatorConfig configures a Validator. Zero values select the defaults.
type ValidatorConfig struct {
	MaxInputLength int
	DenyPatterns   []string // regular expressions; compiled case-insensitively
}

// NewValidator creates a Validator. Invalid deny patterns are reported
// rather than silently skipped: a deny list that does not compile is a
// configuration error.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	maxLen := cfg.MaxInputLength
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLength
	}

	patterns := cfg.DenyPatterns
	if patterns == nil {
		patterns = defaultDenyPatterns
	}

	denied := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		// Deny matching is case-insensitive regardless of how the pattern
		// was written; a redundant (?i) in p is harmless.
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		denied = append(denied, re)
	}

	return &Validator{maxLen: maxLen, denied: denied}, nil
}

// MustValidator is like NewValidator but panics on a bad deny list.
// Intended for defaults known to compile.
func MustValidator(cfg ValidatorConfig) *Validator {
	v, err := NewValidator(cfg)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate trims the input and returns it, or a KindInvalidInput error when
// the input is empty, oversized, or matches a deny pattern.
func (v *Validator) Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &Error{Kind: KindInvalidInput, Message: "input is empty"}
	}
	// The limit counts characters, not bytes; multi-byte text gets the full
	// allowance.
	if utf8.RuneCountInString(trimmed) > v.maxLen {
		return "", &Error{
			Kind:    KindInvalidInput,
			Message: fmt.Sprintf("input exceeds maximum length of %d characters", v.maxLen),
		}
	}
	for _, re := range v.denied {
		if re.MatchString(trimmed) {
			return "", &Error{Kind: KindInvalidInput, Message: "input contains a disallowed pattern"}
		}
	}
	return trimmed, nil
}

// Sanitize strips tags, scripts and javascript: URIs from externally
// produced text. Used for content injected through AddMessage, which must
// never fail hard; unusable input simply sanitizes to the empty string.
func (v *Validator) Sanitize(raw string) string {
	out := raw
	for _, re := range stripPatterns {
		out = re.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(out)
}
