// Package masking implements the redaction engine. It replaces known-secret
// substrings and common secret shapes with mask tokens while preserving the
// surrounding structure, and is idempotent: masking already-masked text is
// a no-op.
package masking

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// CompiledPattern is a pre-compiled detector with its replacement token.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are the always-on detectors. Replacement tokens are chosen
// so no builtin pattern can match its own output.
var builtinPatterns = []struct {
	name, pattern, replacement, description string
}{
	{
		name:        "email",
		pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		replacement: "***MASKED_EMAIL***",
		description: "Email addresses",
	},
	{
		name:        "ipv4",
		pattern:     `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		replacement: "***MASKED_IP***",
		description: "IPv4 addresses",
	},
	{
		name:        "ipv6",
		pattern:     `\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`,
		replacement: "***MASKED_IP***",
		description: "IPv6 addresses",
	},
	{
		name:        "bearer_token",
		pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
		replacement: "Bearer ***MASKED_TOKEN***",
		description: "HTTP bearer tokens",
	},
	{
		name:        "aws_access_key",
		pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		replacement: "***MASKED_AWS_KEY***",
		description: "AWS access key IDs",
	},
	{
		name:        "private_key_block",
		pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "***MASKED_PRIVATE_KEY***",
		description: "PEM private key blocks",
	},
	{
		name:        "password_literal",
		pattern:     `(?i)(password|passwd|pwd|secret|api[_-]?key|token)(["']?\s*[:=]\s*["']?)[^\s"',;&]{4,}`,
		replacement: "${1}${2}***MASKED***",
		description: "key=value style secret literals",
	},
}

// Redactor masks secrets in strings. Static patterns are compiled at
// construction; the dynamic literal set (sourced from the vault) can be
// swapped at runtime. Safe for concurrent use.
type Redactor struct {
	patterns []*CompiledPattern

	mu       sync.RWMutex
	literals []string // sorted longest-first so overlapping secrets mask fully

	logger *slog.Logger
}

// LiteralMask is the token substituted for vault-sourced literals.
const LiteralMask = "***REDACTED***"

// NewRedactor compiles the builtin detectors. Invalid builtin patterns are
// a programming error and are skipped with a log line, matching the
// behavior for config-sourced patterns.
func NewRedactor(logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redactor{logger: logger}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			logger.Error("failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
			Description: p.description,
		})
	}
	return r
}

// AddPattern compiles and appends a custom detector.
func (r *Redactor) AddPattern(name, pattern, replacement string) error {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, &CompiledPattern{Name: name, Regex: compiled, Replacement: replacement})
	return nil
}

// SetLiterals replaces the dynamic secret set. Literals shorter than four
// bytes are ignored: masking them would shred unrelated text.
func (r *Redactor) SetLiterals(literals []string) {
	filtered := make([]string, 0, len(literals))
	for _, l := range literals {
		if len(l) >= 4 {
			filtered = append(filtered, l)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return len(filtered[i]) > len(filtered[j]) })

	r.mu.Lock()
	r.literals = filtered
	r.mu.Unlock()
}

// Mask returns a masked copy of s. Literal secrets are replaced first, then
// pattern detectors run. The output is stable under repeated masking.
func (r *Redactor) Mask(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	literals := r.literals
	r.mu.RUnlock()

	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, LiteralMask)
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// MaskMap returns a masked copy of a string map, leaving keys intact.
func (r *Redactor) MaskMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = r.Mask(v)
	}
	return out
}

// MaskAny masks string values inside common payload shapes (strings, string
// slices, map[string]any). Other types pass through untouched: the caller
// is responsible for not embedding secrets in exotic types.
func (r *Redactor) MaskAny(v any) any {
	switch t := v.(type) {
	case string:
		return r.Mask(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = r.Mask(s)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.MaskAny(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.MaskAny(val)
		}
		return out
	default:
		return v
	}
}
