// Package sanitize redacts sensitive and oversized values before they reach
// the durable store.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

const (
	// RedactedMarker replaces sensitive values when hashing is disabled.
	RedactedMarker = "[REDACTED]"
	// TruncatedMarker is appended to values cut at the max field length.
	TruncatedMarker = "...[truncated]"
	// HashPrefix tags hashed values. Hashes are always HashPrefix + 64 hex chars.
	HashPrefix = "sha256:"
	// MaxLabels bounds the number of labels kept on a metric.
	MaxLabels = 32
)

// IdentityFields are stripped from event context when user data is anonymized.
var IdentityFields = []string{"user_id", "user_email", "ip_address"}

// Policy applies the sanitization rules. The zero value passes data through.
type Policy struct {
	patterns  []*regexp.Regexp
	maxLen    int
	hash      bool
	anonymize bool
}

// New compiles a policy from configuration.
func New(cfg config.SanitizationConfig) (*Policy, error) {
	p := &Policy{maxLen: cfg.MaxFieldLength, hash: cfg.HashValues, anonymize: cfg.AnonymizeUserData}
	for _, pattern := range cfg.SensitivePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile sensitive pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// MustNew is New for configuration that was already validated.
func MustNew(cfg config.SanitizationConfig) *Policy {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Hash returns the fixed-length digest used in place of sensitive values.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return HashPrefix + hex.EncodeToString(sum[:])
}

// IsConcealed reports whether s is already a redaction marker or a digest
// produced by Hash, so a second sanitization pass leaves it unchanged.
func IsConcealed(s string) bool {
	if s == RedactedMarker {
		return true
	}
	digest, ok := strings.CutPrefix(s, HashPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}

// IsSensitive reports whether key matches a sensitive-name pattern.
func (p *Policy) IsSensitive(key string) bool {
	if p == nil {
		return false
	}
	for _, re := range p.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// Fields returns a sanitized deep copy of f.
func (p *Policy) Fields(f models.Fields) models.Fields {
	if f == nil {
		return models.Fields{}
	}
	out := make(models.Fields, len(f))
	for k, v := range f {
		out[k] = p.Value(k, v)
	}
	return out
}

// Context sanitizes f and, when anonymization is on, drops identity fields.
func (p *Policy) Context(f models.Fields) models.Fields {
	out := p.Fields(f)
	if p != nil && p.anonymize {
		for _, key := range IdentityFields {
			delete(out, key)
		}
	}
	return out
}

// Value sanitizes a single value stored under key.
func (p *Policy) Value(key string, v models.Value) models.Value {
	if p == nil {
		return v
	}
	if p.IsSensitive(key) {
		return models.String(p.conceal(v.Text()))
	}
	switch v.Kind() {
	case models.KindMap:
		return models.Map(p.Fields(v.Fields()))
	case models.KindString:
		return models.String(p.String(v.Str()))
	default:
		return v
	}
}

// String enforces the max field length on a non-sensitive value.
func (p *Policy) String(s string) string {
	if p == nil || p.maxLen <= 0 || utf8.RuneCountInString(s) <= p.maxLen || IsConcealed(s) {
		return s
	}
	if p.hash {
		return Hash(s)
	}
	return truncate(s, p.maxLen) + TruncatedMarker
}

// Labels sanitizes metric labels and bounds their count. Keys are kept in
// sorted order when the bound is hit.
func (p *Policy) Labels(labels map[string]string) map[string]string {
	out := make(map[string]string, min(len(labels), MaxLabels))
	for i, k := range slices.Sorted(maps.Keys(labels)) {
		if i >= MaxLabels {
			break
		}
		v := labels[k]
		if p.IsSensitive(k) {
			out[k] = p.conceal(v)
			continue
		}
		out[k] = p.String(v)
	}
	return out
}

func (p *Policy) conceal(s string) string {
	if IsConcealed(s) {
		return s
	}
	if p.hash {
		return Hash(s)
	}
	return RedactedMarker
}

func truncate(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
